package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindops.dev/sidecar/internal/store/memstore"
)

func TestRouteOverrideRequiresAdminKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	s := memstore.New()
	h := NewArtifactHandler(s, "secret-key")
	router.PUT("/v1/artifacts/:artifact_id/route-override", h.RequireAdminAPIKey(), h.RouteOverride)

	body, _ := json.Marshal(routeOverrideRequest{PrimarySegment: "mind"})
	req := httptest.NewRequest(http.MethodPut, "/v1/artifacts/art-1/route-override", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouteOverrideStagesPatchWithAdminKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	s := memstore.New()
	h := NewArtifactHandler(s, "secret-key")
	router.PUT("/v1/artifacts/:artifact_id/route-override", h.RequireAdminAPIKey(), h.RouteOverride)

	body, _ := json.Marshal(routeOverrideRequest{PrimarySegment: "backend", Reason: "manual correction"})
	req := httptest.NewRequest(http.MethodPut, "/v1/artifacts/art-1/route-override", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-API-Key", "secret-key")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	patch, ok, err := s.OverridePatchForArtifact(context.Background(), "art-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "backend", patch.PrimarySegment)
	assert.EqualValues(t, 10_000, patch.ConfidenceBps)
}
