// Package pipeline implements the Semantic Observer Pipeline (spec §4.3):
// converts one claimed Queue run into a durable T1 artifact with explicit
// provenance, retrying the ObserverAdapter under a bounded policy and
// falling open to a deterministic digest rather than ever dropping a turn.
// Retries follow each other immediately; there is no backoff between attempts.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"mindops.dev/sidecar/common/id"
	"mindops.dev/sidecar/internal/llm"
	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/queue"
	"mindops.dev/sidecar/internal/router"
	"mindops.dev/sidecar/internal/store"
)

// T0CompactionPolicy trims the T0 input handed to the adapter: drops tool
// noise and caps the window by event count (a proxy for token budget, since
// the core has no tokenizer dependency of its own).
type T0CompactionPolicy struct {
	DropToolNoise bool
	MaxEvents     int
}

// Apply filters and caps events, keeping the most recent MaxEvents.
func (p T0CompactionPolicy) Apply(events []model.T0Event) []model.T0Event {
	filtered := events
	if p.DropToolNoise {
		kept := make([]model.T0Event, 0, len(events))
		for _, e := range events {
			if e.Kind != "tool" {
				kept = append(kept, e)
			}
		}
		filtered = kept
	}
	if p.MaxEvents > 0 && len(filtered) > p.MaxEvents {
		filtered = filtered[len(filtered)-p.MaxEvents:]
	}
	return filtered
}

// Config bundles the model profile, guardrails, and compaction policy for
// one pipeline instance.
type Config struct {
	Profile    llm.ModelProfile
	Guardrails model.Guardrails
	Compaction T0CompactionPolicy
}

// Pipeline is the owner of one (Store, ObserverAdapter, SegmentRouter) triple.
type Pipeline struct {
	s       store.Store
	adapter llm.ObserverAdapter
	router  *router.SegmentRouter
	cfg     Config
}

func New(s store.Store, adapter llm.ObserverAdapter, segmentRouter *router.SegmentRouter, cfg Config) *Pipeline {
	return &Pipeline{s: s, adapter: adapter, router: segmentRouter, cfg: cfg}
}

// Run executes the full pipeline for one claimed run: read, observe (with
// retry), persist, route. Never returns an error from the adapter path — it
// always produces exactly one artifact and at least one provenance row.
func (p *Pipeline) Run(ctx context.Context, run queue.Run) error {
	rawEvents, err := p.s.T0ForConversation(ctx, run.ConversationID, run.StartedAt)
	if err != nil {
		return fmt.Errorf("pipeline: reading t0 events: %w", err)
	}
	compacted := p.cfg.Compaction.Apply(rawEvents)

	artifactID := fmt.Sprintf("%d", id.New())
	input := llm.ObserverInput{ConversationID: run.ConversationID, Events: compacted}

	var (
		provenance []model.Provenance
		output     llm.ObserverOutput
		succeeded  bool
		attempt    int
		lastKind   model.AdapterFailureKind
	)

	maxAttempts := p.cfg.Guardrails.MaxRetries + 1
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		out, obsErr := p.adapter.ObserveT1(ctx, input, p.cfg.Profile, p.cfg.Guardrails)
		latencyMS := time.Since(start).Milliseconds()

		if obsErr == nil {
			provenance = append(provenance, model.Provenance{
				ArtifactID:     artifactID,
				AttemptCount:   attempt,
				FailureKind:    model.FailureNone,
				LatencyMS:      latencyMS,
				ModelProfileID: p.cfg.Profile.ID,
				AdapterStatus:  "ok",
			})
			output = out
			succeeded = true
			break
		}

		var adapterErr *llm.AdapterError
		if !errors.As(obsErr, &adapterErr) {
			adapterErr = &llm.AdapterError{Kind: model.FailureProviderError, Message: obsErr.Error()}
		}
		lastKind = adapterErr.Kind
		provenance = append(provenance, model.Provenance{
			ArtifactID:     artifactID,
			AttemptCount:   attempt,
			FailureKind:    adapterErr.Kind,
			LatencyMS:      latencyMS,
			ModelProfileID: p.cfg.Profile.ID,
			AdapterStatus:  adapterErr.Message,
		})

		if attempt <= p.cfg.Guardrails.MaxRetries && adapterErr.Kind.Retryable() {
			continue
		}
		break
	}

	if !succeeded {
		output.Text = deterministicFallback(compacted)
		provenance = append(provenance, model.Provenance{
			ArtifactID:     artifactID,
			AttemptCount:   attempt + 1,
			FailureKind:    lastKind,
			LatencyMS:      0,
			ModelProfileID: p.cfg.Profile.ID,
			AdapterStatus:  "fallback",
		})
	}

	sourceEventIDs := make([]string, len(compacted))
	artifactTS := run.StartedAt
	for i, e := range compacted {
		sourceEventIDs[i] = e.EventID
		if e.Timestamp.After(artifactTS) {
			artifactTS = e.Timestamp
		}
	}

	artifact := model.Artifact{
		ArtifactID:     artifactID,
		ConversationID: run.ConversationID,
		Timestamp:      artifactTS,
		Text:           output.Text,
		Kind:           "t1_summary",
	}
	if err := p.s.InsertArtifact(ctx, artifact, sourceEventIDs, provenance); err != nil {
		return fmt.Errorf("pipeline: inserting artifact: %w", err)
	}

	if _, err := p.router.RouteConversation(ctx, p.s, run.ConversationID); err != nil {
		return fmt.Errorf("pipeline: routing conversation: %w", err)
	}

	return nil
}

// deterministicFallback synthesizes a stable "T1 observation" summary from a
// sha256 digest of the compacted T0 input, so a semantic failure never
// drops a turn (spec §4.3 step 3). A fingerprint has no business pulling in
// a hashing library, so this is the one intentionally stdlib-only piece.
func deterministicFallback(events []model.T0Event) string {
	h := sha256.New()
	for _, e := range events {
		h.Write([]byte(e.EventID))
		h.Write([]byte("|"))
		h.Write([]byte(e.Body))
		h.Write([]byte("\n"))
	}
	digest := hex.EncodeToString(h.Sum(nil))[:16]
	return fmt.Sprintf("T1 observation (fallback digest=%s source_events=%d)", digest, len(events))
}
