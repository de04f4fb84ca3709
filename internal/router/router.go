// Package router implements the Segment Router (spec §4.4): deterministic,
// explainable assignment of each artifact to a primary segment plus a
// bounded set of secondary candidates. Ported from
// aoc_segment_routing::SegmentRouter, preserving every constant and
// tie-break rule of the original.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"mindops.dev/sidecar/internal/errs"
	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/store"
)

const (
	routeConfTaskmaster    uint16 = 9_600
	routeConfUncertain     uint16 = 5_300
	routeConfGlobalFallback uint16 = 5_000
)

// Config mirrors SegmentRoutingConfig.
type Config struct {
	TagToSegment              map[string]string
	TaskToSegment             map[string]string
	SegmentKeywords           map[string][]string
	LowConfidenceThresholdBps uint16
	AmbiguousDeltaBps         uint16
	DefaultGlobalSegment      string
	DefaultUncertainSegment   string
	MaxSecondarySegments      int
}

// DefaultConfig mirrors SegmentRoutingConfig::default.
func DefaultConfig() Config {
	return Config{
		TagToSegment: map[string]string{"mind": "mind"},
		TaskToSegment: map[string]string{},
		SegmentKeywords: map[string][]string{
			"frontend": {"ui", "component", "css"},
			"backend":  {"api", "db", "migration"},
			"mind":     {"observation", "reflection", "taskmaster"},
		},
		LowConfidenceThresholdBps: 6_500,
		AmbiguousDeltaBps:         350,
		DefaultGlobalSegment:      "global",
		DefaultUncertainSegment:   "uncertain",
		MaxSecondarySegments:      3,
	}
}

// Report counts routing outcomes across one route_conversation call.
type Report struct {
	ArtifactsProcessed int
	RoutesWritten      int
	RoutedTaskmaster   int
	RoutedHeuristic    int
	RoutedOverride     int
	UncertainFallbacks int
}

// SegmentRouter is a pure function of (artifact, context, links, overrides)
// backed by the Store for reads/writes.
type SegmentRouter struct {
	cfg Config
}

func New(cfg Config) *SegmentRouter {
	return &SegmentRouter{cfg: cfg}
}

// RouteConversation resolves a route for every artifact of a conversation,
// advancing a context-snapshot cursor as artifact timestamps pass each
// snapshot's ts, and upserts each route via the Store.
func (r *SegmentRouter) RouteConversation(ctx context.Context, s store.Store, conversationID string) (Report, error) {
	var report Report

	artifacts, err := s.ArtifactsForConversation(ctx, conversationID)
	if err != nil {
		return report, err
	}
	if len(artifacts) == 0 {
		return report, nil
	}

	contexts, err := s.ContextStates(ctx, conversationID)
	if err != nil {
		return report, err
	}

	contextCursor := 0
	var currentContext *model.ContextSnapshot

	for _, artifact := range artifacts {
		report.ArtifactsProcessed++
		for contextCursor < len(contexts) && !contexts[contextCursor].Timestamp.After(artifact.Timestamp) {
			currentContext = &contexts[contextCursor]
			contextCursor++
		}

		taskLinks, err := s.ArtifactTaskLinksForArtifact(ctx, artifact.ArtifactID)
		if err != nil {
			return report, err
		}

		autoRoute := r.computeAutoRoute(artifact, currentContext, taskLinks)

		route := autoRoute
		patch, hasPatch, err := s.OverridePatchForArtifact(ctx, artifact.ArtifactID)
		if err != nil {
			return report, err
		}
		if hasPatch {
			route, err = r.applyOverride(autoRoute, patch)
			if err != nil {
				return report, err
			}
			route.ArtifactID = artifact.ArtifactID
		}

		if eqSegment(route.Primary.SegmentID, r.cfg.DefaultUncertainSegment) {
			report.UncertainFallbacks++
		}

		switch route.RoutedBy {
		case model.RouteOriginTaskmaster:
			report.RoutedTaskmaster++
		case model.RouteOriginHeuristic:
			report.RoutedHeuristic++
		case model.RouteOriginManualOverride:
			report.RoutedOverride++
		}

		if err := s.ReplaceSegmentRoute(ctx, route); err != nil {
			return report, err
		}
		report.RoutesWritten++
	}

	return report, nil
}

type scoredSegment struct {
	segmentID     string
	confidenceBps uint16
	reasons       map[string]struct{}
}

func (r *SegmentRouter) computeAutoRoute(artifact model.Artifact, context *model.ContextSnapshot, taskLinks []model.TaskLink) model.SegmentRoute {
	if context != nil {
		activeTag := strings.TrimSpace(context.ActiveTag)
		if activeTag != "" {
			if segmentID, ok := lookupSegment(r.cfg.TagToSegment, activeTag); ok {
				candidatePool := r.heuristicCandidates(artifact, taskLinks)
				secondary := make([]model.SegmentCandidate, 0, r.cfg.MaxSecondarySegments)
				for _, candidate := range candidatePool {
					if len(secondary) >= r.cfg.MaxSecondarySegments {
						break
					}
					if eqSegment(candidate.segmentID, segmentID) {
						continue
					}
					secondary = append(secondary, model.SegmentCandidate{
						SegmentID:     candidate.segmentID,
						ConfidenceBps: minU16(candidate.confidenceBps, 8_800),
					})
				}

				return model.SegmentRoute{
					ArtifactID: artifact.ArtifactID,
					Primary:    model.SegmentCandidate{SegmentID: segmentID, ConfidenceBps: routeConfTaskmaster},
					Secondary:  secondary,
					RoutedBy:   model.RouteOriginTaskmaster,
					Reason:     fmt.Sprintf("taskmaster_tag_map:tag=%s->segment=%s; source=context_state", activeTag, segmentID),
				}
			}
		}
	}

	return r.computeHeuristicRoute(artifact, taskLinks)
}

func (r *SegmentRouter) computeHeuristicRoute(artifact model.Artifact, taskLinks []model.TaskLink) model.SegmentRoute {
	candidates := r.heuristicCandidates(artifact, taskLinks)
	if len(candidates) == 0 {
		return r.uncertainFallback(artifact, "fallback:uncertain:no_taskmaster_signal_or_heuristic_match", nil)
	}

	top := candidates[0]
	ambiguous := false
	if len(candidates) > 1 {
		second := candidates[1]
		delta := int(top.confidenceBps) - int(second.confidenceBps)
		if delta < 0 {
			delta = 0
		}
		ambiguous = uint16(delta) <= r.cfg.AmbiguousDeltaBps
	}
	lowConfidence := top.confidenceBps < r.cfg.LowConfidenceThresholdBps

	if lowConfidence || ambiguous {
		reason := fmt.Sprintf("fallback:uncertain:top=%s(%d) low_confidence=%t ambiguous=%t evidence=%s",
			top.segmentID, top.confidenceBps, lowConfidence, ambiguous, joinReasons(top))
		return r.uncertainFallback(artifact, reason, candidates)
	}

	primary := model.SegmentCandidate{SegmentID: top.segmentID, ConfidenceBps: top.confidenceBps}
	secondary := make([]model.SegmentCandidate, 0, r.cfg.MaxSecondarySegments)
	for _, candidate := range candidates[1:] {
		if len(secondary) >= r.cfg.MaxSecondarySegments {
			break
		}
		secondary = append(secondary, model.SegmentCandidate{SegmentID: candidate.segmentID, ConfidenceBps: candidate.confidenceBps})
	}

	return model.SegmentRoute{
		ArtifactID: artifact.ArtifactID,
		Primary:    primary,
		Secondary:  secondary,
		RoutedBy:   model.RouteOriginHeuristic,
		Reason:     fmt.Sprintf("heuristic_route:top=%s(%d) evidence=%s", top.segmentID, top.confidenceBps, joinReasons(top)),
	}
}

func (r *SegmentRouter) uncertainFallback(artifact model.Artifact, reason string, candidates []scoredSegment) model.SegmentRoute {
	uncertainSegment := normalizeSegmentOr(r.cfg.DefaultUncertainSegment, "uncertain")
	globalSegment := normalizeSegmentOr(r.cfg.DefaultGlobalSegment, "global")

	secondary := make([]model.SegmentCandidate, 0, r.cfg.MaxSecondarySegments)
	seen := map[string]struct{}{}

	for _, candidate := range candidates {
		if len(secondary) >= r.cfg.MaxSecondarySegments {
			break
		}
		key := normalizedKey(candidate.segmentID)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if eqSegment(candidate.segmentID, uncertainSegment) {
			continue
		}
		secondary = append(secondary, model.SegmentCandidate{SegmentID: candidate.segmentID, ConfidenceBps: candidate.confidenceBps})
	}

	hasGlobal := false
	for _, candidate := range secondary {
		if eqSegment(candidate.SegmentID, globalSegment) {
			hasGlobal = true
			break
		}
	}
	if !hasGlobal {
		secondary = append(secondary, model.SegmentCandidate{SegmentID: globalSegment, ConfidenceBps: routeConfGlobalFallback})
	}

	return model.SegmentRoute{
		ArtifactID: artifact.ArtifactID,
		Primary:    model.SegmentCandidate{SegmentID: uncertainSegment, ConfidenceBps: routeConfUncertain},
		Secondary:  secondary,
		RoutedBy:   model.RouteOriginHeuristic,
		Reason:     reason,
	}
}

func (r *SegmentRouter) heuristicCandidates(artifact model.Artifact, taskLinks []model.TaskLink) []scoredSegment {
	scores := map[string]*scoredSegment{}

	for _, link := range taskLinks {
		segmentID, ok := lookupSegment(r.cfg.TaskToSegment, link.TaskID)
		if !ok {
			continue
		}
		score := taskLinkScore(link.Relation, link.ConfidenceBps)
		upsertScore(scores, segmentID, score, fmt.Sprintf("task_link:%s relation=%s conf=%d", link.TaskID, link.Relation.String(), link.ConfidenceBps))
	}

	lowerText := strings.ToLower(artifact.Text)
	for segmentID, keywords := range r.cfg.SegmentKeywords {
		normalizedSegment := normalizeSegmentOr(segmentID, "")
		if normalizedSegment == "" {
			continue
		}

		hits := make([]string, 0, len(keywords))
		for _, keyword := range keywords {
			k := strings.ToLower(strings.TrimSpace(keyword))
			if k == "" {
				continue
			}
			if strings.Contains(lowerText, k) {
				hits = append(hits, k)
			}
		}
		if len(hits) == 0 {
			continue
		}

		score := keywordScore(len(hits))
		upsertScore(scores, normalizedSegment, score, fmt.Sprintf("keyword_match:%s", strings.Join(hits, "+")))
	}

	ordered := make([]scoredSegment, 0, len(scores))
	for _, s := range scores {
		ordered = append(ordered, *s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].confidenceBps != ordered[j].confidenceBps {
			return ordered[i].confidenceBps > ordered[j].confidenceBps
		}
		return ordered[i].segmentID < ordered[j].segmentID
	})
	return ordered
}

func (r *SegmentRouter) applyOverride(autoRoute model.SegmentRoute, patch model.RouteOverridePatch) (model.SegmentRoute, error) {
	patchID := strings.TrimSpace(patch.PatchID)
	if patchID == "" {
		return model.SegmentRoute{}, &errs.InvalidOverridePatch{ArtifactID: autoRoute.ArtifactID, Reason: "patch_id is required"}
	}

	primarySegment, ok := normalizeSegment(patch.PrimarySegment)
	if !ok {
		return model.SegmentRoute{}, &errs.InvalidOverridePatch{ArtifactID: autoRoute.ArtifactID, Reason: "primary_segment is required"}
	}

	primary := model.SegmentCandidate{SegmentID: primarySegment, ConfidenceBps: patch.ConfidenceBps}
	secondary := make([]model.SegmentCandidate, 0, r.cfg.MaxSecondarySegments)
	seen := map[string]struct{}{normalizedKey(primarySegment): {}}

	baseSecondaryConf := satSubU16(patch.ConfidenceBps, 800)
	for index, rawSegmentID := range patch.SecondarySegments {
		if len(secondary) >= r.cfg.MaxSecondarySegments {
			break
		}
		segmentID, ok := normalizeSegment(rawSegmentID)
		if !ok {
			continue
		}
		key := normalizedKey(segmentID)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		conf := satSubU16(baseSecondaryConf, uint16(index)*300)
		if conf < routeConfGlobalFallback {
			conf = routeConfGlobalFallback
		}
		secondary = append(secondary, model.SegmentCandidate{SegmentID: segmentID, ConfidenceBps: conf})
	}

	if len(secondary) < r.cfg.MaxSecondarySegments {
		key := normalizedKey(autoRoute.Primary.SegmentID)
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			secondary = append(secondary, autoRoute.Primary)
		}
	}

	for _, candidate := range autoRoute.Secondary {
		if len(secondary) >= r.cfg.MaxSecondarySegments {
			break
		}
		key := normalizedKey(candidate.SegmentID)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		secondary = append(secondary, candidate)
	}

	return model.SegmentRoute{
		ArtifactID:   autoRoute.ArtifactID,
		Primary:      primary,
		Secondary:    secondary,
		RoutedBy:     model.RouteOriginManualOverride,
		Reason:       fmt.Sprintf("override_patch:%s:%s; base=%s", patchID, strings.TrimSpace(patch.Reason), autoRoute.Reason),
		OverriddenBy: &patchID,
	}, nil
}

func lookupSegment(mapping map[string]string, key string) (string, bool) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", false
	}
	if segmentID, ok := mapping[trimmed]; ok {
		return normalizeSegment(segmentID)
	}
	if segmentID, ok := mapping[strings.ToLower(trimmed)]; ok {
		return normalizeSegment(segmentID)
	}
	return "", false
}

func normalizeSegment(value string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "", false
	}
	return normalized, true
}

func normalizeSegmentOr(value, fallback string) string {
	if normalized, ok := normalizeSegment(value); ok {
		return normalized
	}
	return fallback
}

func normalizedKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func eqSegment(left, right string) bool {
	return normalizedKey(left) == normalizedKey(right)
}

func keywordScore(hitCount int) uint16 {
	score := 4_200 + uint32(hitCount)*550
	if score > 7_800 {
		score = 7_800
	}
	return uint16(score)
}

func taskLinkScore(relation model.TaskLinkRelation, confidenceBps uint16) uint16 {
	var relationBoost uint32
	switch relation {
	case model.RelationActive:
		relationBoost = 1_300
	case model.RelationWorkedOn:
		relationBoost = 1_100
	case model.RelationMentioned:
		relationBoost = 600
	case model.RelationCompleted:
		relationBoost = 900
	}
	weighted := (uint32(confidenceBps) * 75) / 100
	total := weighted + relationBoost
	if total > 9_200 {
		total = 9_200
	}
	return uint16(total)
}

func upsertScore(scores map[string]*scoredSegment, segmentID string, confidenceBps uint16, reason string) {
	entry, ok := scores[segmentID]
	if !ok {
		entry = &scoredSegment{segmentID: segmentID, confidenceBps: confidenceBps, reasons: map[string]struct{}{}}
		scores[segmentID] = entry
	}
	if confidenceBps > entry.confidenceBps {
		entry.confidenceBps = confidenceBps
	}
	entry.reasons[reason] = struct{}{}
}

func joinReasons(candidate scoredSegment) string {
	reasons := make([]string, 0, len(candidate.reasons))
	for reason := range candidate.reasons {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	return strings.Join(reasons, ",")
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func satSubU16(a, b uint16) uint16 {
	if b >= a {
		return 0
	}
	return a - b
}
