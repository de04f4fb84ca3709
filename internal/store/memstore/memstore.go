// Package memstore is an in-memory store.Store implementation used by tests
// across the reflector/pipeline/router/service/http handler packages, mirroring the
// teacher's lightweight in-memory fakes (internal/worker/mock_processor.go).
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mindops.dev/sidecar/internal/errs"
	"mindops.dev/sidecar/internal/model"
)

type jobRow struct {
	job        model.ReflectorJob
	enqueueSeq int64
}

type leaseRow struct {
	lease model.ReflectorLease
}

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	t0         map[string][]model.T0Event // conversation_id -> events
	artifacts  map[string][]model.Artifact
	provenance map[string][]model.Provenance // artifact_id -> rows
	contexts   map[string][]model.ContextSnapshot
	taskLinks  map[string][]model.TaskLink // artifact_id -> links
	routes     map[string]model.SegmentRoute
	patches    map[string]model.RouteOverridePatch

	jobs       map[string]*jobRow
	jobSeq     int64
	leases     map[string]*leaseRow

	idSeq int64
}

func New() *Store {
	return &Store{
		t0:         make(map[string][]model.T0Event),
		artifacts:  make(map[string][]model.Artifact),
		provenance: make(map[string][]model.Provenance),
		contexts:   make(map[string][]model.ContextSnapshot),
		taskLinks:  make(map[string][]model.TaskLink),
		routes:     make(map[string]model.SegmentRoute),
		patches:    make(map[string]model.RouteOverridePatch),
		jobs:       make(map[string]*jobRow),
		leases:     make(map[string]*leaseRow),
	}
}

func (s *Store) nextID(prefix string) string {
	s.idSeq++
	return fmt.Sprintf("%s-%d", prefix, s.idSeq)
}

func (s *Store) UpsertT0(ctx context.Context, event model.T0Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.t0[event.ConversationID] {
		if existing.EventID == event.EventID {
			return nil
		}
	}
	s.t0[event.ConversationID] = append(s.t0[event.ConversationID], event)
	sort.Slice(s.t0[event.ConversationID], func(i, j int) bool {
		return s.t0[event.ConversationID][i].Timestamp.Before(s.t0[event.ConversationID][j].Timestamp)
	})
	return nil
}

func (s *Store) T0ForConversation(ctx context.Context, conversationID string, upToTS time.Time) ([]model.T0Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.T0Event, 0)
	for _, e := range s.t0[conversationID] {
		if !e.Timestamp.After(upToTS) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ArtifactsForConversation(ctx context.Context, conversationID string) ([]model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Artifact, len(s.artifacts[conversationID]))
	copy(out, s.artifacts[conversationID])
	return out, nil
}

func fingerprint(sourceEventIDs []string) string {
	ids := append([]string(nil), sourceEventIDs...)
	sort.Strings(ids)
	out := ""
	for _, id := range ids {
		out += id + "|"
	}
	return out
}

func (s *Store) InsertArtifact(ctx context.Context, artifact model.Artifact, sourceEventIDs []string, provenance []model.Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := fingerprint(sourceEventIDs)
	for _, existing := range s.artifacts[artifact.ConversationID] {
		if fingerprint(existing.SourceEventIDs) == fp {
			return nil
		}
	}

	if artifact.ArtifactID == "" {
		artifact.ArtifactID = s.nextID("artifact")
	}
	artifact.SourceEventIDs = sourceEventIDs
	s.artifacts[artifact.ConversationID] = append(s.artifacts[artifact.ConversationID], artifact)
	s.provenance[artifact.ArtifactID] = append(s.provenance[artifact.ArtifactID], provenance...)
	return nil
}

func (s *Store) ContextStates(ctx context.Context, conversationID string) ([]model.ContextSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ContextSnapshot, len(s.contexts[conversationID]))
	copy(out, s.contexts[conversationID])
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// PutContextSnapshot is a test/seed helper, not part of the Store contract.
func (s *Store) PutContextSnapshot(snapshot model.ContextSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[snapshot.ConversationID] = append(s.contexts[snapshot.ConversationID], snapshot)
}

func (s *Store) ArtifactTaskLinksForArtifact(ctx context.Context, artifactID string) ([]model.TaskLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TaskLink, len(s.taskLinks[artifactID]))
	copy(out, s.taskLinks[artifactID])
	return out, nil
}

// PutTaskLink is a test/seed helper, not part of the Store contract.
func (s *Store) PutTaskLink(link model.TaskLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskLinks[link.ArtifactID] = append(s.taskLinks[link.ArtifactID], link)
}

func (s *Store) SegmentRouteForArtifact(ctx context.Context, artifactID string) (model.SegmentRoute, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	route, ok := s.routes[artifactID]
	return route, ok, nil
}

func (s *Store) ReplaceSegmentRoute(ctx context.Context, route model.SegmentRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[route.ArtifactID] = route
	return nil
}

func (s *Store) OverridePatchForArtifact(ctx context.Context, artifactID string) (model.RouteOverridePatch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	patch, ok := s.patches[artifactID]
	return patch, ok, nil
}

func (s *Store) StageOverridePatch(ctx context.Context, patch model.RouteOverridePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.ArtifactID == "" {
		return &errs.InvalidOverridePatch{ArtifactID: patch.ArtifactID, Reason: "artifact_id is required"}
	}
	s.patches[patch.ArtifactID] = patch
	return nil
}

func (s *Store) EnqueueReflectorJob(ctx context.Context, scopeID string, artifactRefs, conversationRefs []string, priority int, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobID := s.nextID("job")
	s.jobSeq++
	s.jobs[jobID] = &jobRow{
		job: model.ReflectorJob{
			JobID:            jobID,
			ScopeID:          scopeID,
			ArtifactRefs:     artifactRefs,
			ConversationRefs: conversationRefs,
			Priority:         priority,
			Status:           model.ReflectorJobPending,
			Attempts:         0,
			EnqueuedAt:       now,
		},
		enqueueSeq: s.jobSeq,
	}
	return jobID, nil
}

func (s *Store) ClaimNextReflectorJob(ctx context.Context, scopeID, ownerID string, now time.Time) (model.ReflectorJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *jobRow
	for _, row := range s.jobs {
		if row.job.ScopeID != scopeID || row.job.Status != model.ReflectorJobPending {
			continue
		}
		if best == nil || row.enqueueSeq < best.enqueueSeq {
			best = row
		}
	}
	if best == nil {
		return model.ReflectorJob{}, false, nil
	}

	claimedAt := now
	best.job.Status = model.ReflectorJobInFlight
	best.job.OwnerID = ownerID
	best.job.ClaimedAt = &claimedAt
	best.job.Attempts++

	return best.job, true, nil
}

func (s *Store) CompleteReflectorJob(ctx context.Context, jobID, ownerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[jobID]
	if !ok {
		return errs.ErrNotFound
	}
	if row.job.Status != model.ReflectorJobInFlight || row.job.OwnerID != ownerID {
		return fmt.Errorf("job %s not in_flight for owner %s", jobID, ownerID)
	}
	completedAt := now
	row.job.Status = model.ReflectorJobCompleted
	row.job.CompletedAt = &completedAt
	return nil
}

func (s *Store) FailReflectorJob(ctx context.Context, jobID, ownerID, message string, now time.Time, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[jobID]
	if !ok {
		return errs.ErrNotFound
	}
	if row.job.Status != model.ReflectorJobInFlight || row.job.OwnerID != ownerID {
		return fmt.Errorf("job %s not in_flight for owner %s", jobID, ownerID)
	}

	row.job.LastError = message
	if requeue {
		s.jobSeq++
		row.enqueueSeq = s.jobSeq
		row.job.Status = model.ReflectorJobPending
		row.job.ClaimedAt = nil
		row.job.OwnerID = ""
	} else {
		row.job.Status = model.ReflectorJobFailed
		completedAt := now
		row.job.CompletedAt = &completedAt
	}
	return nil
}

func (s *Store) PendingReflectorJobs(ctx context.Context, scopeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, row := range s.jobs {
		if row.job.ScopeID == scopeID && row.job.Status == model.ReflectorJobPending {
			count++
		}
	}
	return count, nil
}

func (s *Store) ReflectorJobByID(ctx context.Context, jobID string) (model.ReflectorJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[jobID]
	if !ok {
		return model.ReflectorJob{}, false, nil
	}
	return row.job, true, nil
}

func (s *Store) TryAcquireReflectorLease(ctx context.Context, scopeID, ownerID string, ownerPID *int64, now time.Time, ttlMS int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[scopeID]
	if ok && !existing.lease.Stale(now) && existing.lease.OwnerID != ownerID {
		return false, nil
	}

	s.leases[scopeID] = &leaseRow{
		lease: model.ReflectorLease{
			ScopeID:    scopeID,
			OwnerID:    ownerID,
			OwnerPID:   ownerPID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(time.Duration(ttlMS) * time.Millisecond),
		},
	}
	return true, nil
}

func (s *Store) HeartbeatReflectorLease(ctx context.Context, scopeID, ownerID string, now time.Time, ttlMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.leases[scopeID]
	if !ok || row.lease.OwnerID != ownerID {
		return errs.ErrLockConflict
	}
	row.lease.ExpiresAt = now.Add(time.Duration(ttlMS) * time.Millisecond)
	return nil
}
