package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindops.dev/sidecar/internal/model"
)

var testBase = time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

func ts(ms int64) time.Time {
	return testBase.Add(time.Duration(ms) * time.Millisecond)
}

func TestQueueDebouncesBeforeClaiming(t *testing.T) {
	q := New(Config{DebounceMS: 200})

	q.Enqueue("session-a", "conv-1", ts(0))
	q.Enqueue("session-a", "conv-1", ts(50))

	_, ok := q.ClaimReady(ts(100))
	assert.False(t, ok)

	claimed, ok := q.ClaimReady(ts(260))
	require.True(t, ok, "run must be claimable")
	assert.Equal(t, "session-a", claimed.SessionID)
	assert.Equal(t, "conv-1", claimed.ConversationID)
	assert.Equal(t, model.TriggerTokenThreshold, claimed.Trigger.Kind)
	assert.True(t, q.HasActiveRun("session-a"))
}

func TestQueueEnforcesSingleActiveRunPerSession(t *testing.T) {
	q := New(Config{DebounceMS: 50})
	q.Enqueue("session-a", "conv-1", ts(0))
	q.Enqueue("session-a", "conv-2", ts(10))

	first, ok := q.ClaimReady(ts(100))
	require.True(t, ok, "first run")
	assert.Equal(t, "conv-1", first.ConversationID)

	_, ok = q.ClaimReady(ts(100))
	assert.False(t, ok)

	q.CompleteRun(first, ts(120))
	_, ok = q.ClaimReady(ts(140))
	assert.False(t, ok)

	second, ok := q.ClaimReady(ts(180))
	require.True(t, ok, "second run")
	assert.Equal(t, "conv-2", second.ConversationID)
}

func TestQueueClaimsOldestEligibleSessionFirst(t *testing.T) {
	q := New(Config{DebounceMS: 100})

	q.Enqueue("session-b", "conv-b", ts(0))
	q.Enqueue("session-a", "conv-a", ts(20))

	first, ok := q.ClaimReady(ts(120))
	require.True(t, ok, "first claim")
	assert.Equal(t, "session-b", first.SessionID)
	q.CompleteRun(first, ts(130))

	second, ok := q.ClaimReady(ts(180))
	require.True(t, ok, "second claim")
	assert.Equal(t, "session-a", second.SessionID)
}

func TestManualTriggerBypassesDebounce(t *testing.T) {
	q := New(Config{DebounceMS: 500})
	q.EnqueueWithTrigger("session-a", "conv-1", model.ManualShortcutTrigger(), ts(0))

	claimed, ok := q.ClaimReady(ts(0))
	require.True(t, ok, "manual should claim immediately")
	assert.Equal(t, model.TriggerManualShortcut, claimed.Trigger.Kind)
}

func TestManualTriggerPriorityWinsAcrossSessions(t *testing.T) {
	q := New(Config{DebounceMS: 100})
	q.Enqueue("session-a", "conv-a", ts(0))
	q.EnqueueWithTrigger("session-b", "conv-b", model.ManualShortcutTrigger(), ts(10))

	claimed, ok := q.ClaimReady(ts(110))
	require.True(t, ok, "one run should be ready")
	assert.Equal(t, "session-b", claimed.SessionID)
	assert.Equal(t, model.TriggerManualShortcut, claimed.Trigger.Kind)
}

func TestTaskCompletedUpgradesExistingPendingTrigger(t *testing.T) {
	q := New(Config{DebounceMS: 100})
	q.Enqueue("session-a", "conv-1", ts(0))
	q.EnqueueWithTrigger("session-a", "conv-1", model.TaskCompletedTrigger(), ts(10))

	claimed, ok := q.ClaimReady(ts(110))
	require.True(t, ok, "run should be ready")
	assert.Equal(t, model.TriggerTaskCompleted, claimed.Trigger.Kind)
	assert.Equal(t, model.PriorityElevated, claimed.Trigger.Priority)
}
