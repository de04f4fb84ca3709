package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/pipeline"
	"mindops.dev/sidecar/internal/queue"
	"mindops.dev/sidecar/internal/router"
	"mindops.dev/sidecar/internal/store/memstore"
)

func TestDriverProcessesEnqueuedRunThenStopsCleanly(t *testing.T) {
	s := memstore.New()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertT0(context.Background(), model.T0Event{
		EventID:        "evt-1",
		ConversationID: "conv-1",
		Kind:           "user",
		AgentID:        "agent-1",
		Body:           "please fix the flaky test",
		Timestamp:      now,
	}))

	q := queue.New(queue.Config{DebounceMS: 0})
	q.Enqueue("sess-1", "conv-1", now)

	adapter := pipeline.NewStubAdapter()
	p := pipeline.New(s, adapter, router.New(router.DefaultConfig()), pipeline.Config{
		Guardrails: model.Guardrails{MaxRetries: 1, PerAttemptTimeoutMS: 1000, ReflectorLeaseTTLMS: 60000},
	})

	d := NewDriver(q, p, Config{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		artifacts, err := s.ArtifactsForConversation(context.Background(), "conv-1")
		return err == nil && len(artifacts) == 1
	}, time.Second, 5*time.Millisecond)

	d.Stop()
	cancel()
	<-done

	assert.False(t, q.HasActiveRun("sess-1"))
}
