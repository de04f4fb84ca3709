package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"mindops.dev/sidecar/common/id"
	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/store"
)

// ArtifactHandler exposes the route-override control surface: an externally
// driven way to stage a RouteOverridePatch that the next route_conversation
// call picks up and applies ahead of the automatic routing.
type ArtifactHandler struct {
	store       store.Store
	adminAPIKey string
}

func NewArtifactHandler(s store.Store, adminAPIKey string) *ArtifactHandler {
	return &ArtifactHandler{store: s, adminAPIKey: adminAPIKey}
}

type routeOverrideRequest struct {
	PrimarySegment    string   `json:"primary_segment" binding:"required"`
	SecondarySegments []string `json:"secondary_segments"`
	Reason            string   `json:"reason"`
	ConfidenceBps     uint16   `json:"confidence_bps"`
}

type routeOverrideResponse struct {
	PatchID    string `json:"patch_id"`
	ArtifactID string `json:"artifact_id"`
}

// RouteOverride stages a manual route override patch for an artifact.
// Confidence defaults to 10000 (fully certain) when the caller omits it,
// since a human override is by definition decisive.
func (h *ArtifactHandler) RouteOverride(c *gin.Context) {
	ctx := c.Request.Context()
	artifactID := c.Param("artifact_id")
	if artifactID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "artifact_id is required"})
		return
	}

	var req routeOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "primary_segment is required"})
		return
	}

	confidence := req.ConfidenceBps
	if confidence == 0 {
		confidence = 10_000
	}

	patch := model.RouteOverridePatch{
		PatchID:           fmt.Sprintf("%d", id.New()),
		ArtifactID:        artifactID,
		PrimarySegment:    req.PrimarySegment,
		SecondarySegments: req.SecondarySegments,
		Reason:            req.Reason,
		ConfidenceBps:     confidence,
	}

	if err := h.store.StageOverridePatch(ctx, patch); err != nil {
		slog.ErrorContext(ctx, "failed to stage route override patch", "error", err, "artifact_id", artifactID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stage override"})
		return
	}

	c.JSON(http.StatusAccepted, routeOverrideResponse{PatchID: patch.PatchID, ArtifactID: artifactID})
}

// RequireAdminAPIKey mirrors the teacher's admin-key middleware pattern.
func (h *ArtifactHandler) RequireAdminAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminAPIKey == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin API not configured"})
			c.Abort()
			return
		}

		apiKey := c.GetHeader("X-Admin-API-Key")
		if apiKey != h.adminAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			c.Abort()
			return
		}

		c.Next()
	}
}
