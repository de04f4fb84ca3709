package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindops.dev/sidecar/internal/llm"
	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/queue"
	"mindops.dev/sidecar/internal/router"
	"mindops.dev/sidecar/internal/store/memstore"
)

// scriptedAdapter replays a fixed sequence of outcomes, one per call, then
// repeats the last outcome for any extra calls.
type scriptedAdapter struct {
	calls   int32
	outputs []llm.ObserverOutput
	errs    []error
}

func (a *scriptedAdapter) ObserveT1(ctx context.Context, input llm.ObserverInput, profile llm.ModelProfile, guardrails model.Guardrails) (llm.ObserverOutput, error) {
	i := int(atomic.AddInt32(&a.calls, 1)) - 1
	if i >= len(a.outputs) {
		i = len(a.outputs) - 1
	}
	return a.outputs[i], a.errs[i]
}

func ts(sec int) time.Time {
	return time.Date(2026, 2, 23, 10, 0, sec, 0, time.UTC)
}

func seedEvents(t *testing.T, s *memstore.Store, conversationID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.UpsertT0(context.Background(), model.T0Event{
			EventID:        "evt-" + string(rune('a'+i)),
			ConversationID: conversationID,
			AgentID:        "agent-1",
			Timestamp:      ts(i),
			Kind:           "message",
			Body:           "turn body",
		}))
	}
}

func TestPipelineSucceedsOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedEvents(t, s, "conv-1", 3)

	adapter := &scriptedAdapter{
		outputs: []llm.ObserverOutput{{Text: "durable observation"}},
		errs:    []error{nil},
	}
	p := New(s, adapter, router.New(router.DefaultConfig()), Config{
		Profile:    llm.ModelProfile{ID: "profile-1"},
		Guardrails: model.Guardrails{MaxRetries: 2, PerAttemptTimeoutMS: 5_000},
	})

	run := queue.Run{SessionID: "sess-1", ConversationID: "conv-1", StartedAt: ts(10)}
	require.NoError(t, p.Run(ctx, run))

	artifacts, err := s.ArtifactsForConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "durable observation", artifacts[0].Text)
	assert.EqualValues(t, 1, adapter.calls)
}

func TestPipelineRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedEvents(t, s, "conv-2", 2)

	adapter := &scriptedAdapter{
		outputs: []llm.ObserverOutput{{}, {Text: "recovered observation"}},
		errs: []error{
			&llm.AdapterError{Kind: model.FailureTimeout, Message: "timed out"},
			nil,
		},
	}
	p := New(s, adapter, router.New(router.DefaultConfig()), Config{
		Profile:    llm.ModelProfile{ID: "profile-1"},
		Guardrails: model.Guardrails{MaxRetries: 2, PerAttemptTimeoutMS: 5_000},
	})

	run := queue.Run{SessionID: "sess-2", ConversationID: "conv-2", StartedAt: ts(20)}
	require.NoError(t, p.Run(ctx, run))

	artifacts, err := s.ArtifactsForConversation(ctx, "conv-2")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "recovered observation", artifacts[0].Text)
	assert.EqualValues(t, 2, adapter.calls)
}

func TestPipelineFallsOpenWhenRetriesAreExhausted(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedEvents(t, s, "conv-3", 4)

	adapter := &scriptedAdapter{
		outputs: []llm.ObserverOutput{{}},
		errs:    []error{&llm.AdapterError{Kind: model.FailureTimeout, Message: "timed out"}},
	}
	p := New(s, adapter, router.New(router.DefaultConfig()), Config{
		Profile:    llm.ModelProfile{ID: "profile-1"},
		Guardrails: model.Guardrails{MaxRetries: 0, PerAttemptTimeoutMS: 5_000},
	})

	run := queue.Run{SessionID: "sess-3", ConversationID: "conv-3", StartedAt: ts(30)}
	require.NoError(t, p.Run(ctx, run))

	artifacts, err := s.ArtifactsForConversation(ctx, "conv-3")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.True(t, strings.HasPrefix(artifacts[0].Text, "T1 observation"))
	assert.EqualValues(t, 1, adapter.calls)
}

func TestPipelineRoutesAfterPersistingArtifact(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedEvents(t, s, "conv-4", 1)
	s.PutContextSnapshot(model.ContextSnapshot{
		ConversationID: "conv-4",
		Timestamp:      ts(0),
		ActiveTag:      "mind",
		Lifecycle:      "tag_current",
		SignalSource:   "tm_tag_current_json",
	})

	adapter := &scriptedAdapter{
		outputs: []llm.ObserverOutput{{Text: "observation for routing"}},
		errs:    []error{nil},
	}
	p := New(s, adapter, router.New(router.DefaultConfig()), Config{
		Profile:    llm.ModelProfile{ID: "profile-1"},
		Guardrails: model.Guardrails{MaxRetries: 1, PerAttemptTimeoutMS: 5_000},
	})

	run := queue.Run{SessionID: "sess-4", ConversationID: "conv-4", StartedAt: ts(40)}
	require.NoError(t, p.Run(ctx, run))

	artifacts, err := s.ArtifactsForConversation(ctx, "conv-4")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	route, ok, err := s.SegmentRouteForArtifact(ctx, artifacts[0].ArtifactID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RouteOriginTaskmaster, route.RoutedBy)
}
