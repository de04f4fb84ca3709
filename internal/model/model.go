// Package model holds the data-model types shared by the Store contract and
// every core component: T0 events, T1 artifacts, semantic provenance,
// reflector jobs/leases, conversation context snapshots, artifact/task
// links, and segment routes.
package model

import "time"

// TriggerKind is the reason an observer run was requested.
type TriggerKind int

const (
	TriggerTokenThreshold TriggerKind = iota
	TriggerTaskCompleted
	TriggerManualShortcut
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerTokenThreshold:
		return "token_threshold"
	case TriggerTaskCompleted:
		return "task_completed"
	case TriggerManualShortcut:
		return "manual_shortcut"
	default:
		return "unknown"
	}
}

// TriggerPriority orders triggers; higher values win ties in the queue.
type TriggerPriority int

const (
	PriorityNormal TriggerPriority = iota
	PriorityElevated
	PriorityUrgent
)

// Trigger is the reason plus priority/debounce-bypass behavior for an enqueue.
type Trigger struct {
	Kind           TriggerKind
	Priority       TriggerPriority
	BypassDebounce bool
}

func TokenThresholdTrigger() Trigger {
	return Trigger{Kind: TriggerTokenThreshold, Priority: PriorityNormal, BypassDebounce: false}
}

func TaskCompletedTrigger() Trigger {
	return Trigger{Kind: TriggerTaskCompleted, Priority: PriorityElevated, BypassDebounce: false}
}

func ManualShortcutTrigger() Trigger {
	return Trigger{Kind: TriggerManualShortcut, Priority: PriorityUrgent, BypassDebounce: true}
}

// T0Event is a compact, immutable record of a single raw turn.
type T0Event struct {
	EventID        string
	ConversationID string
	AgentID        string
	Timestamp      time.Time
	Kind           string // "message" | "tool"
	Body           string
	Attrs          map[string]string
}

// Artifact is a T1 summary/reflection over a set of T0 events.
type Artifact struct {
	ArtifactID      string
	ConversationID  string
	Timestamp       time.Time
	Text            string
	SourceEventIDs  []string
	Kind            string
}

// AdapterFailureKind classifies why an observer adapter attempt failed.
type AdapterFailureKind int

const (
	FailureNone AdapterFailureKind = iota
	FailureTimeout
	FailureProviderError
	FailurePolicyViolation
)

func (k AdapterFailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureProviderError:
		return "provider_error"
	case FailurePolicyViolation:
		return "policy_violation"
	default:
		return "unknown"
	}
}

// Retryable reports whether an attempt that failed with this kind should be retried.
func (k AdapterFailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureProviderError:
		return true
	default:
		return false
	}
}

// Provenance is one observer-attempt row recorded against an artifact.
type Provenance struct {
	ArtifactID     string
	AttemptCount   int
	FailureKind    AdapterFailureKind
	LatencyMS      int64
	ModelProfileID string
	AdapterStatus  string
}

// ReflectorJobStatus is the lifecycle state of a persisted reflector job.
type ReflectorJobStatus int

const (
	ReflectorJobPending ReflectorJobStatus = iota
	ReflectorJobInFlight
	ReflectorJobCompleted
	ReflectorJobFailed
)

func (s ReflectorJobStatus) String() string {
	switch s {
	case ReflectorJobPending:
		return "pending"
	case ReflectorJobInFlight:
		return "in_flight"
	case ReflectorJobCompleted:
		return "completed"
	case ReflectorJobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReflectorJob is one unit of drain work in the reflector's persistent queue.
type ReflectorJob struct {
	JobID           string
	ScopeID         string
	ArtifactRefs    []string
	ConversationRefs []string
	Priority        int
	Status          ReflectorJobStatus
	Attempts        int
	OwnerID         string
	EnqueuedAt      time.Time
	ClaimedAt       *time.Time
	CompletedAt     *time.Time
	LastError       string
}

// ReflectorLease is the live exclusive-ownership claim over a scope.
type ReflectorLease struct {
	ScopeID    string
	OwnerID    string
	OwnerPID   *int64
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Stale reports whether the lease has expired as of now and is steal-able.
func (l ReflectorLease) Stale(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// ContextSnapshot is an append-only taskmaster-authored observation of a
// conversation's current tag/lifecycle/task signals.
type ContextSnapshot struct {
	ConversationID string
	Timestamp      time.Time
	ActiveTag      string
	Lifecycle      string
	SignalTaskIDs  []string
	SignalSource   string
}

// TaskLinkRelation is the relationship of an artifact to a task.
type TaskLinkRelation int

const (
	RelationActive TaskLinkRelation = iota
	RelationWorkedOn
	RelationMentioned
	RelationCompleted
)

func (r TaskLinkRelation) String() string {
	switch r {
	case RelationActive:
		return "active"
	case RelationWorkedOn:
		return "worked_on"
	case RelationMentioned:
		return "mentioned"
	case RelationCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// TaskLink associates an artifact with a task at a confidence, read-only to
// the core (written by an external taskmaster).
type TaskLink struct {
	ArtifactID    string
	TaskID        string
	Relation      TaskLinkRelation
	ConfidenceBps uint16
}

// RouteOrigin records which resolution path produced a segment route.
type RouteOrigin int

const (
	RouteOriginTaskmaster RouteOrigin = iota
	RouteOriginHeuristic
	RouteOriginManualOverride
)

func (o RouteOrigin) String() string {
	switch o {
	case RouteOriginTaskmaster:
		return "taskmaster"
	case RouteOriginHeuristic:
		return "heuristic"
	case RouteOriginManualOverride:
		return "manual_override"
	default:
		return "unknown"
	}
}

// SegmentCandidate is a scored segment assignment.
type SegmentCandidate struct {
	SegmentID     string
	ConfidenceBps uint16
}

// SegmentRoute is the routing decision recorded for one artifact.
type SegmentRoute struct {
	ArtifactID    string
	Primary       SegmentCandidate
	Secondary     []SegmentCandidate
	RoutedBy      RouteOrigin
	Reason        string
	OverriddenBy  *string
}

// Guardrails bounds the Pipeline's retry/timeout behavior and supplies the
// Reflector's default lease TTL, so a single operator-tunable config object
// governs both (see ConfigFromGuardrails in internal/reflector).
type Guardrails struct {
	MaxRetries            int
	PerAttemptTimeoutMS   int64
	ReflectorLeaseTTLMS   int64
}

// RouteOverridePatch is a manual correction staged for an artifact's next
// routing pass.
type RouteOverridePatch struct {
	PatchID           string
	ArtifactID        string
	PrimarySegment    string
	SecondarySegments []string
	Reason            string
	ConfidenceBps     uint16
}
