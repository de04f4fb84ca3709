// Package postgres is the production store.Store implementation, backed by
// pgx and the teacher's core/db.DB.WithTx transaction-callback pattern. Since
// the sqlc codegen step cannot run in this environment, queries are
// hand-written pgx calls against *pgxpool.Pool / pgx.Tx rather than a
// generated sqlc.Queries wrapper.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mindops.dev/sidecar/core/db"
	"mindops.dev/sidecar/internal/errs"
	"mindops.dev/sidecar/internal/model"
)

// Store implements store.Store against a Postgres schema matching the
// model package's row shapes.
type Store struct {
	db *db.DB
}

func New(database *db.DB) *Store {
	return &Store{db: database}
}

func (s *Store) pool() *pgxpool.Pool {
	return s.db.Pool()
}

func (s *Store) UpsertT0(ctx context.Context, event model.T0Event) error {
	_, err := s.pool().Exec(ctx, `
		insert into t0_events (event_id, conversation_id, agent_id, ts, kind, body, attrs)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (event_id) do update set
			conversation_id = excluded.conversation_id,
			agent_id        = excluded.agent_id,
			ts              = excluded.ts,
			kind            = excluded.kind,
			body            = excluded.body,
			attrs           = excluded.attrs
	`, event.EventID, event.ConversationID, event.AgentID, event.Timestamp, event.Kind, event.Body, attrsToHstore(event.Attrs))
	if err != nil {
		return fmt.Errorf("postgres: upserting t0 event: %w", err)
	}
	return nil
}

func (s *Store) T0ForConversation(ctx context.Context, conversationID string, upToTS time.Time) ([]model.T0Event, error) {
	rows, err := s.pool().Query(ctx, `
		select event_id, conversation_id, agent_id, ts, kind, body, attrs
		from t0_events
		where conversation_id = $1 and ts <= $2
		order by ts asc
	`, conversationID, upToTS)
	if err != nil {
		return nil, fmt.Errorf("postgres: querying t0 events: %w", err)
	}
	defer rows.Close()

	var events []model.T0Event
	for rows.Next() {
		var e model.T0Event
		var attrs map[string]string
		if err := rows.Scan(&e.EventID, &e.ConversationID, &e.AgentID, &e.Timestamp, &e.Kind, &e.Body, &attrs); err != nil {
			return nil, fmt.Errorf("postgres: scanning t0 event: %w", err)
		}
		e.Attrs = attrs
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) ArtifactsForConversation(ctx context.Context, conversationID string) ([]model.Artifact, error) {
	rows, err := s.pool().Query(ctx, `
		select artifact_id, conversation_id, ts, text, kind, source_event_ids
		from artifacts
		where conversation_id = $1
		order by ts asc
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: querying artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ArtifactID, &a.ConversationID, &a.Timestamp, &a.Text, &a.Kind, &a.SourceEventIDs); err != nil {
			return nil, fmt.Errorf("postgres: scanning artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// InsertArtifact persists the artifact, its source-event fingerprint (for
// idempotent re-insertion), and its provenance rows in one transaction.
func (s *Store) InsertArtifact(ctx context.Context, artifact model.Artifact, sourceEventIDs []string, provenance []model.Provenance) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		fingerprint := fingerprintEventIDs(sourceEventIDs)

		var existing string
		err := tx.QueryRow(ctx, `
			select artifact_id from artifacts
			where conversation_id = $1 and source_fingerprint = $2
		`, artifact.ConversationID, fingerprint).Scan(&existing)
		if err == nil {
			return nil // already recorded under a prior attempt; idempotent no-op
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("checking artifact fingerprint: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			insert into artifacts (artifact_id, conversation_id, ts, text, kind, source_event_ids, source_fingerprint)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, artifact.ArtifactID, artifact.ConversationID, artifact.Timestamp, artifact.Text, artifact.Kind, sourceEventIDs, fingerprint); err != nil {
			return fmt.Errorf("inserting artifact: %w", err)
		}

		for _, p := range provenance {
			if _, err := tx.Exec(ctx, `
				insert into artifact_provenance (artifact_id, attempt_count, failure_kind, latency_ms, model_profile_id, adapter_status)
				values ($1, $2, $3, $4, $5, $6)
			`, p.ArtifactID, p.AttemptCount, p.FailureKind.String(), p.LatencyMS, p.ModelProfileID, p.AdapterStatus); err != nil {
				return fmt.Errorf("inserting provenance row: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ContextStates(ctx context.Context, conversationID string) ([]model.ContextSnapshot, error) {
	rows, err := s.pool().Query(ctx, `
		select conversation_id, ts, active_tag, lifecycle, signal_task_ids, signal_source
		from context_snapshots
		where conversation_id = $1
		order by ts asc
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: querying context snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []model.ContextSnapshot
	for rows.Next() {
		var snap model.ContextSnapshot
		if err := rows.Scan(&snap.ConversationID, &snap.Timestamp, &snap.ActiveTag, &snap.Lifecycle, &snap.SignalTaskIDs, &snap.SignalSource); err != nil {
			return nil, fmt.Errorf("postgres: scanning context snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

func (s *Store) ArtifactTaskLinksForArtifact(ctx context.Context, artifactID string) ([]model.TaskLink, error) {
	rows, err := s.pool().Query(ctx, `
		select artifact_id, task_id, relation, confidence_bps
		from artifact_task_links
		where artifact_id = $1
	`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("postgres: querying task links: %w", err)
	}
	defer rows.Close()

	var links []model.TaskLink
	for rows.Next() {
		var link model.TaskLink
		var relation string
		if err := rows.Scan(&link.ArtifactID, &link.TaskID, &relation, &link.ConfidenceBps); err != nil {
			return nil, fmt.Errorf("postgres: scanning task link: %w", err)
		}
		link.Relation = parseRelation(relation)
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *Store) SegmentRouteForArtifact(ctx context.Context, artifactID string) (model.SegmentRoute, bool, error) {
	var route model.SegmentRoute
	var routedBy string
	var secondaryIDs []string
	var secondaryBps []int32

	err := s.pool().QueryRow(ctx, `
		select artifact_id, primary_segment, primary_confidence_bps, routed_by, reason, overridden_by, secondary_segments, secondary_confidence_bps
		from segment_routes
		where artifact_id = $1
	`, artifactID).Scan(&route.ArtifactID, &route.Primary.SegmentID, &route.Primary.ConfidenceBps, &routedBy, &route.Reason, &route.OverriddenBy, &secondaryIDs, &secondaryBps)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SegmentRoute{}, false, nil
	}
	if err != nil {
		return model.SegmentRoute{}, false, fmt.Errorf("postgres: querying segment route: %w", err)
	}

	route.RoutedBy = parseRouteOrigin(routedBy)
	for i := range secondaryIDs {
		route.Secondary = append(route.Secondary, model.SegmentCandidate{SegmentID: secondaryIDs[i], ConfidenceBps: uint16(secondaryBps[i])})
	}
	return route, true, nil
}

func (s *Store) ReplaceSegmentRoute(ctx context.Context, route model.SegmentRoute) error {
	secondaryIDs := make([]string, len(route.Secondary))
	secondaryBps := make([]int32, len(route.Secondary))
	for i, c := range route.Secondary {
		secondaryIDs[i] = c.SegmentID
		secondaryBps[i] = int32(c.ConfidenceBps)
	}

	_, err := s.pool().Exec(ctx, `
		insert into segment_routes (artifact_id, primary_segment, primary_confidence_bps, routed_by, reason, overridden_by, secondary_segments, secondary_confidence_bps)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (artifact_id) do update set
			primary_segment         = excluded.primary_segment,
			primary_confidence_bps  = excluded.primary_confidence_bps,
			routed_by               = excluded.routed_by,
			reason                  = excluded.reason,
			overridden_by           = excluded.overridden_by,
			secondary_segments      = excluded.secondary_segments,
			secondary_confidence_bps = excluded.secondary_confidence_bps
	`, route.ArtifactID, route.Primary.SegmentID, route.Primary.ConfidenceBps, route.RoutedBy.String(), route.Reason, route.OverriddenBy, secondaryIDs, secondaryBps)
	if err != nil {
		return fmt.Errorf("postgres: replacing segment route: %w", err)
	}
	return nil
}

func (s *Store) OverridePatchForArtifact(ctx context.Context, artifactID string) (model.RouteOverridePatch, bool, error) {
	var patch model.RouteOverridePatch
	err := s.pool().QueryRow(ctx, `
		select patch_id, artifact_id, primary_segment, secondary_segments, reason, confidence_bps
		from route_override_patches
		where artifact_id = $1
	`, artifactID).Scan(&patch.PatchID, &patch.ArtifactID, &patch.PrimarySegment, &patch.SecondarySegments, &patch.Reason, &patch.ConfidenceBps)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RouteOverridePatch{}, false, nil
	}
	if err != nil {
		return model.RouteOverridePatch{}, false, fmt.Errorf("postgres: querying override patch: %w", err)
	}
	return patch, true, nil
}

func (s *Store) StageOverridePatch(ctx context.Context, patch model.RouteOverridePatch) error {
	if patch.PatchID == "" || patch.PrimarySegment == "" {
		return &errs.InvalidOverridePatch{ArtifactID: patch.ArtifactID, Reason: "patch_id and primary_segment are required"}
	}
	_, err := s.pool().Exec(ctx, `
		insert into route_override_patches (patch_id, artifact_id, primary_segment, secondary_segments, reason, confidence_bps)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (artifact_id) do update set
			patch_id           = excluded.patch_id,
			primary_segment    = excluded.primary_segment,
			secondary_segments = excluded.secondary_segments,
			reason             = excluded.reason,
			confidence_bps     = excluded.confidence_bps
	`, patch.PatchID, patch.ArtifactID, patch.PrimarySegment, patch.SecondarySegments, patch.Reason, patch.ConfidenceBps)
	if err != nil {
		return fmt.Errorf("postgres: staging override patch: %w", err)
	}
	return nil
}

func (s *Store) EnqueueReflectorJob(ctx context.Context, scopeID string, artifactRefs, conversationRefs []string, priority int, now time.Time) (string, error) {
	var jobID string
	err := s.pool().QueryRow(ctx, `
		insert into reflector_jobs (scope_id, artifact_refs, conversation_refs, priority, status, attempts, enqueued_at)
		values ($1, $2, $3, $4, 'pending', 0, $5)
		returning job_id
	`, scopeID, artifactRefs, conversationRefs, priority, now).Scan(&jobID)
	if err != nil {
		return "", fmt.Errorf("postgres: enqueuing reflector job: %w", err)
	}
	return jobID, nil
}

func (s *Store) ClaimNextReflectorJob(ctx context.Context, scopeID, ownerID string, now time.Time) (model.ReflectorJob, bool, error) {
	var job model.ReflectorJob
	var status string
	err := s.pool().QueryRow(ctx, `
		update reflector_jobs set
			status     = 'in_flight',
			owner_id   = $2,
			claimed_at = $3,
			attempts   = attempts + 1
		where job_id = (
			select job_id from reflector_jobs
			where scope_id = $1 and status = 'pending'
			order by priority desc, enqueued_at asc
			limit 1
			for update skip locked
		)
		returning job_id, scope_id, artifact_refs, conversation_refs, priority, status, attempts, owner_id, enqueued_at, claimed_at
	`, scopeID, ownerID, now).Scan(
		&job.JobID, &job.ScopeID, &job.ArtifactRefs, &job.ConversationRefs, &job.Priority, &status, &job.Attempts, &job.OwnerID, &job.EnqueuedAt, &job.ClaimedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReflectorJob{}, false, nil
	}
	if err != nil {
		return model.ReflectorJob{}, false, fmt.Errorf("postgres: claiming reflector job: %w", err)
	}
	job.Status = parseJobStatus(status)
	return job, true, nil
}

func (s *Store) CompleteReflectorJob(ctx context.Context, jobID, ownerID string, now time.Time) error {
	tag, err := s.pool().Exec(ctx, `
		update reflector_jobs set status = 'completed', completed_at = $3
		where job_id = $1 and owner_id = $2 and status = 'in_flight'
	`, jobID, ownerID, now)
	if err != nil {
		return fmt.Errorf("postgres: completing reflector job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: no in-flight job %s owned by %s", jobID, ownerID)
	}
	return nil
}

func (s *Store) FailReflectorJob(ctx context.Context, jobID, ownerID, message string, now time.Time, requeue bool) error {
	var tag pgconn.CommandTag
	var err error
	if requeue {
		tag, err = s.pool().Exec(ctx, `
			update reflector_jobs set
				status       = 'pending',
				owner_id     = null,
				claimed_at   = null,
				last_error   = $3,
				enqueued_at  = $4
			where job_id = $1 and owner_id = $2 and status = 'in_flight'
		`, jobID, ownerID, message, now)
	} else {
		tag, err = s.pool().Exec(ctx, `
			update reflector_jobs set status = 'failed', last_error = $3, completed_at = $4
			where job_id = $1 and owner_id = $2 and status = 'in_flight'
		`, jobID, ownerID, message, now)
	}
	if err != nil {
		return fmt.Errorf("postgres: failing reflector job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: no in-flight job %s owned by %s", jobID, ownerID)
	}
	return nil
}

func (s *Store) PendingReflectorJobs(ctx context.Context, scopeID string) (int, error) {
	var count int
	err := s.pool().QueryRow(ctx, `
		select count(*) from reflector_jobs where scope_id = $1 and status = 'pending'
	`, scopeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: counting pending reflector jobs: %w", err)
	}
	return count, nil
}

func (s *Store) ReflectorJobByID(ctx context.Context, jobID string) (model.ReflectorJob, bool, error) {
	var job model.ReflectorJob
	var status string
	err := s.pool().QueryRow(ctx, `
		select job_id, scope_id, artifact_refs, conversation_refs, priority, status, attempts, owner_id, enqueued_at, claimed_at, completed_at, last_error
		from reflector_jobs where job_id = $1
	`, jobID).Scan(
		&job.JobID, &job.ScopeID, &job.ArtifactRefs, &job.ConversationRefs, &job.Priority, &status, &job.Attempts, &job.OwnerID, &job.EnqueuedAt, &job.ClaimedAt, &job.CompletedAt, &job.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReflectorJob{}, false, nil
	}
	if err != nil {
		return model.ReflectorJob{}, false, fmt.Errorf("postgres: querying reflector job: %w", err)
	}
	job.Status = parseJobStatus(status)
	return job, true, nil
}

func (s *Store) TryAcquireReflectorLease(ctx context.Context, scopeID, ownerID string, ownerPID *int64, now time.Time, ttlMS int64) (bool, error) {
	expiresAt := now.Add(time.Duration(ttlMS) * time.Millisecond)
	tag, err := s.pool().Exec(ctx, `
		insert into reflector_leases (scope_id, owner_id, owner_pid, acquired_at, expires_at)
		values ($1, $2, $3, $4, $5)
		on conflict (scope_id) do update set
			owner_id    = excluded.owner_id,
			owner_pid   = excluded.owner_pid,
			acquired_at = excluded.acquired_at,
			expires_at  = excluded.expires_at
		where reflector_leases.expires_at < $4 or reflector_leases.owner_id = $2
	`, scopeID, ownerID, ownerPID, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("postgres: acquiring reflector lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) HeartbeatReflectorLease(ctx context.Context, scopeID, ownerID string, now time.Time, ttlMS int64) error {
	expiresAt := now.Add(time.Duration(ttlMS) * time.Millisecond)
	tag, err := s.pool().Exec(ctx, `
		update reflector_leases set expires_at = $3
		where scope_id = $1 and owner_id = $2
	`, scopeID, ownerID, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres: heartbeating reflector lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrLockConflict
	}
	return nil
}

func fingerprintEventIDs(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

func attrsToHstore(attrs map[string]string) map[string]string {
	if attrs == nil {
		return map[string]string{}
	}
	return attrs
}

func parseRelation(s string) model.TaskLinkRelation {
	switch s {
	case "active":
		return model.RelationActive
	case "worked_on":
		return model.RelationWorkedOn
	case "completed":
		return model.RelationCompleted
	default:
		return model.RelationMentioned
	}
}

func parseRouteOrigin(s string) model.RouteOrigin {
	switch s {
	case "taskmaster":
		return model.RouteOriginTaskmaster
	case "manual_override":
		return model.RouteOriginManualOverride
	default:
		return model.RouteOriginHeuristic
	}
}

func parseJobStatus(s string) model.ReflectorJobStatus {
	switch s {
	case "in_flight":
		return model.ReflectorJobInFlight
	case "completed":
		return model.ReflectorJobCompleted
	case "failed":
		return model.ReflectorJobFailed
	default:
		return model.ReflectorJobPending
	}
}
