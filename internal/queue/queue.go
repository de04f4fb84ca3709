// Package queue implements the Session Observer Queue (spec §4.1): an
// in-memory, per-session debounced single-flight scheduler with priority
// upgrades. Ported from the original Rust SessionObserverQueue
// (aoc-mind::observer_runtime) with identical claim/debounce semantics.
package queue

import (
	"sort"
	"sync"
	"time"

	"mindops.dev/sidecar/internal/model"
)

// Config controls debounce behavior.
type Config struct {
	DebounceMS int64
}

// DefaultConfig matches the spec's default debounce of 250ms.
func DefaultConfig() Config {
	return Config{DebounceMS: 250}
}

func (c Config) debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// Run is a claimed unit of work handed to the driver.
type Run struct {
	SessionID      string
	ConversationID string
	Trigger        model.Trigger
	EnqueuedAt     time.Time
	StartedAt      time.Time
}

type pendingConversation struct {
	conversationID string
	trigger        model.Trigger
	enqueuedAt     time.Time
}

type sessionState struct {
	pending        []pendingConversation
	activeRun      bool
	nextEligibleAt time.Time
}

// SessionObserverQueue is the mutex-guarded per-session scheduler. All
// operations are non-suspending (spec §5): no I/O, no blocking, safe to call
// while holding the lock for the whole call.
type SessionObserverQueue struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*sessionState
}

func New(cfg Config) *SessionObserverQueue {
	return &SessionObserverQueue{
		cfg:      cfg,
		sessions: make(map[string]*sessionState),
	}
}

// Enqueue is a convenience wrapper using the default TokenThreshold trigger.
func (q *SessionObserverQueue) Enqueue(sessionID, conversationID string, now time.Time) {
	q.EnqueueWithTrigger(sessionID, conversationID, model.TokenThresholdTrigger(), now)
}

// EnqueueWithTrigger upgrades an existing pending entry for (session,
// conversation) in place if the new trigger strictly outranks it, otherwise
// inserts a new entry (front for Urgent, back otherwise). Never duplicates
// an entry for the same conversation within a session.
func (q *SessionObserverQueue) EnqueueWithTrigger(sessionID, conversationID string, trigger model.Trigger, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, ok := q.sessions[sessionID]
	if !ok {
		state = &sessionState{nextEligibleAt: now}
		q.sessions[sessionID] = state
	}

	for i := range state.pending {
		if state.pending[i].conversationID == conversationID {
			if trigger.Priority > state.pending[i].trigger.Priority {
				state.pending[i].trigger = trigger
			}
			if trigger.BypassDebounce && !state.activeRun {
				state.nextEligibleAt = now
			}
			return
		}
	}

	entry := pendingConversation{
		conversationID: conversationID,
		trigger:        trigger,
		enqueuedAt:     now,
	}

	if trigger.Priority == model.PriorityUrgent {
		state.pending = append([]pendingConversation{entry}, state.pending...)
	} else {
		state.pending = append(state.pending, entry)
	}

	if !state.activeRun {
		if trigger.BypassDebounce {
			state.nextEligibleAt = now
		} else {
			state.nextEligibleAt = now.Add(q.cfg.debounce())
		}
	}
}

// ClaimReady selects at most one eligible session's head entry: among
// candidates with a non-empty queue, no active run, and next_eligible_at <=
// now, pick by (higher head priority, earlier next_eligible_at, earlier
// enqueued_at, lexicographically smaller session_id).
func (q *SessionObserverQueue) ClaimReady(now time.Time) (Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sessionIDs := make([]string, 0, len(q.sessions))
	for id := range q.sessions {
		sessionIDs = append(sessionIDs, id)
	}
	sort.Strings(sessionIDs)

	var (
		selectedID         string
		selected           *sessionState
		selectedPriority   model.TriggerPriority
		selectedEligibleAt time.Time
		selectedEnqueuedAt time.Time
		found              bool
	)

	for _, id := range sessionIDs {
		state := q.sessions[id]
		if state.activeRun || len(state.pending) == 0 || state.nextEligibleAt.After(now) {
			continue
		}
		head := state.pending[0]

		shouldSelect := false
		switch {
		case !found:
			shouldSelect = true
		case head.trigger.Priority > selectedPriority:
			shouldSelect = true
		case head.trigger.Priority < selectedPriority:
			shouldSelect = false
		case state.nextEligibleAt.Before(selectedEligibleAt):
			shouldSelect = true
		case state.nextEligibleAt.After(selectedEligibleAt):
			shouldSelect = false
		default:
			shouldSelect = head.enqueuedAt.Before(selectedEnqueuedAt)
		}

		if shouldSelect {
			found = true
			selectedID = id
			selected = state
			selectedPriority = head.trigger.Priority
			selectedEligibleAt = state.nextEligibleAt
			selectedEnqueuedAt = head.enqueuedAt
		}
	}

	if !found {
		return Run{}, false
	}

	head := selected.pending[0]
	selected.pending = selected.pending[1:]
	selected.activeRun = true

	return Run{
		SessionID:      selectedID,
		ConversationID: head.conversationID,
		Trigger:        head.trigger,
		EnqueuedAt:     head.enqueuedAt,
		StartedAt:      now,
	}, true
}

// CompleteRun clears the active-run flag for the run's session and sets the
// next eligible time based on the new head entry (if any).
func (q *SessionObserverQueue) CompleteRun(run Run, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, ok := q.sessions[run.SessionID]
	if !ok {
		return
	}

	state.activeRun = false
	if len(state.pending) > 0 {
		if state.pending[0].trigger.BypassDebounce {
			state.nextEligibleAt = now
		} else {
			state.nextEligibleAt = now.Add(q.cfg.debounce())
		}
	} else {
		state.nextEligibleAt = now
	}
}

// PendingCount returns the number of queued (not yet claimed) entries for a session.
func (q *SessionObserverQueue) PendingCount(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(state.pending)
}

// HasActiveRun reports whether a session currently has a claimed, incomplete run.
func (q *SessionObserverQueue) HasActiveRun(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, ok := q.sessions[sessionID]
	if !ok {
		return false
	}
	return state.activeRun
}
