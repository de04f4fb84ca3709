package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindops.dev/sidecar/internal/queue"
)

func TestManualObserveEnqueuesUrgentTrigger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	q := queue.New(queue.Config{DebounceMS: 5_000})
	h := NewSessionHandler(q)
	router.POST("/v1/sessions/:session_id/manual-observe", h.ManualObserve)

	body, _ := json.Marshal(manualObserveRequest{ConversationID: "conv-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/manual-observe", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	run, ok := q.ClaimReady(time.Now())
	require.True(t, ok)
	assert.Equal(t, "sess-1", run.SessionID)
	assert.Equal(t, "conv-1", run.ConversationID)
}

func TestManualObserveRejectsMissingConversationID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	q := queue.New(queue.DefaultConfig())
	h := NewSessionHandler(q)
	router.POST("/v1/sessions/:session_id/manual-observe", h.ManualObserve)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-1/manual-observe", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
