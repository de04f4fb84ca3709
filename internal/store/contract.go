// Package store defines the persistence capability the core depends on
// (spec §6): T0/T1 rows, semantic provenance, the reflector job queue and
// lease, conversation context snapshots, artifact/task links, and segment
// routes. internal/store/postgres and internal/store/memstore are the two
// implementations; every other package depends only on the Store interface.
package store

import (
	"context"
	"time"

	"mindops.dev/sidecar/internal/model"
)

// Store is the full set of primitives spec.md §6 requires of the persistence
// layer. All operations are atomic at the row level; multi-row invariants
// (claim/complete/fail, lease acquire/steal) are atomic as a whole.
type Store interface {
	// T0 / T1 / provenance
	UpsertT0(ctx context.Context, event model.T0Event) error
	T0ForConversation(ctx context.Context, conversationID string, upToTS time.Time) ([]model.T0Event, error)
	ArtifactsForConversation(ctx context.Context, conversationID string) ([]model.Artifact, error)
	InsertArtifact(ctx context.Context, artifact model.Artifact, sourceEventIDs []string, provenance []model.Provenance) error

	// Context / task links
	ContextStates(ctx context.Context, conversationID string) ([]model.ContextSnapshot, error)
	ArtifactTaskLinksForArtifact(ctx context.Context, artifactID string) ([]model.TaskLink, error)

	// Segment routes
	SegmentRouteForArtifact(ctx context.Context, artifactID string) (model.SegmentRoute, bool, error)
	ReplaceSegmentRoute(ctx context.Context, route model.SegmentRoute) error
	OverridePatchForArtifact(ctx context.Context, artifactID string) (model.RouteOverridePatch, bool, error)
	StageOverridePatch(ctx context.Context, patch model.RouteOverridePatch) error

	// Reflector queue
	EnqueueReflectorJob(ctx context.Context, scopeID string, artifactRefs, conversationRefs []string, priority int, now time.Time) (string, error)
	ClaimNextReflectorJob(ctx context.Context, scopeID, ownerID string, now time.Time) (model.ReflectorJob, bool, error)
	CompleteReflectorJob(ctx context.Context, jobID, ownerID string, now time.Time) error
	FailReflectorJob(ctx context.Context, jobID, ownerID, message string, now time.Time, requeue bool) error
	PendingReflectorJobs(ctx context.Context, scopeID string) (int, error)
	ReflectorJobByID(ctx context.Context, jobID string) (model.ReflectorJob, bool, error)

	// Reflector lease
	TryAcquireReflectorLease(ctx context.Context, scopeID, ownerID string, ownerPID *int64, now time.Time, ttlMS int64) (bool, error)
	HeartbeatReflectorLease(ctx context.Context, scopeID, ownerID string, now time.Time, ttlMS int64) error
}
