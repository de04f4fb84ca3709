package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/store/memstore"
)

func ts(hour, min, sec int) time.Time {
	return time.Date(2026, 2, 23, hour, min, sec, 0, time.UTC)
}

func TestRoutesFromTaskmasterTagMapWhenContextIsPresent(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	s.PutContextSnapshot(model.ContextSnapshot{
		ConversationID: "conv-1",
		Timestamp:      ts(12, 0, 0),
		ActiveTag:      "mind",
		Lifecycle:      "tag_current",
		SignalSource:   "tm_tag_current_json",
	})
	require.NoError(t, s.InsertArtifact(ctx, model.Artifact{
		ArtifactID:     "obs-1",
		ConversationID: "conv-1",
		Timestamp:      ts(12, 0, 5),
		Text:           "observation for parser flow",
	}, nil, nil))

	r := New(DefaultConfig())
	report, err := r.RouteConversation(ctx, s, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.ArtifactsProcessed)
	assert.Equal(t, 1, report.RoutedTaskmaster)

	route, ok, err := s.SegmentRouteForArtifact(ctx, "obs-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RouteOriginTaskmaster, route.RoutedBy)
	assert.Equal(t, "mind", route.Primary.SegmentID)
	assert.GreaterOrEqual(t, route.Primary.ConfidenceBps, uint16(9_000))
	assert.Contains(t, route.Reason, "taskmaster_tag_map")
}

func TestAmbiguousHeuristicsFallBackToUncertainAndGlobal(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	require.NoError(t, s.InsertArtifact(ctx, model.Artifact{
		ArtifactID:     "obs-2",
		ConversationID: "conv-2",
		Timestamp:      ts(13, 0, 0),
		Text:           "ui api request parser",
	}, nil, nil))

	cfg := DefaultConfig()
	cfg.TagToSegment = map[string]string{}
	cfg.SegmentKeywords = map[string][]string{
		"frontend": {"ui"},
		"backend":  {"api"},
	}

	r := New(cfg)
	report, err := r.RouteConversation(ctx, s, "conv-2")
	require.NoError(t, err)
	assert.Equal(t, 1, report.RoutedHeuristic)
	assert.Equal(t, 1, report.UncertainFallbacks)

	route, ok, err := s.SegmentRouteForArtifact(ctx, "obs-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RouteOriginHeuristic, route.RoutedBy)
	assert.Equal(t, cfg.DefaultUncertainSegment, route.Primary.SegmentID)
	assert.Contains(t, route.Reason, "fallback:uncertain")

	hasGlobal := false
	for _, candidate := range route.Secondary {
		if candidate.SegmentID == cfg.DefaultGlobalSegment {
			hasGlobal = true
		}
	}
	assert.True(t, hasGlobal)
}

func TestOverridePatchRewritesPrimaryAndKeepsProvenance(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	s.PutContextSnapshot(model.ContextSnapshot{
		ConversationID: "conv-3",
		Timestamp:      ts(14, 0, 0),
		ActiveTag:      "mind",
		Lifecycle:      "tag_current",
		SignalSource:   "tm_tag_current_json",
	})
	require.NoError(t, s.InsertArtifact(ctx, model.Artifact{
		ArtifactID:     "obs-3",
		ConversationID: "conv-3",
		Timestamp:      ts(14, 0, 5),
		Text:           "observation for route override testing",
	}, nil, nil))

	require.NoError(t, s.StageOverridePatch(ctx, model.RouteOverridePatch{
		PatchID:           "patch-frontend-1",
		ArtifactID:        "obs-3",
		PrimarySegment:    "frontend",
		SecondarySegments: []string{"mind"},
		Reason:            "manual regroup after review",
		ConfidenceBps:     9_900,
	}))

	r := New(DefaultConfig())
	report, err := r.RouteConversation(ctx, s, "conv-3")
	require.NoError(t, err)
	assert.Equal(t, 1, report.RoutedOverride)

	route, ok, err := s.SegmentRouteForArtifact(ctx, "obs-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.RouteOriginManualOverride, route.RoutedBy)
	assert.Equal(t, "frontend", route.Primary.SegmentID)
	assert.Equal(t, uint16(9_900), route.Primary.ConfidenceBps)
	require.NotNil(t, route.OverriddenBy)
	assert.Equal(t, "patch-frontend-1", *route.OverriddenBy)
	assert.Contains(t, route.Reason, "override_patch:patch-frontend-1")
	assert.Contains(t, route.Reason, "base=taskmaster_tag_map")

	hasMind := false
	for _, candidate := range route.Secondary {
		if candidate.SegmentID == "mind" {
			hasMind = true
		}
	}
	assert.True(t, hasMind)
}
