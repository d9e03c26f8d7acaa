package signals

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(p *Pipeline) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(p).RegisterRoutes(r.Group("/v1"))
	return r
}

func post(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Ingest(t *testing.T) {
	rec := &fakeRisk{}
	p := NewPipeline(rec, &fakeRules{}, slog.Default(), 1, 1)
	r := setupRouter(p)

	w := post(r, "/v1/signals?sync=true", validSignal())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Outcome Outcome `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Outcome.Decision)

	// async: queue of one, no workers running
	w = post(r, "/v1/signals", validSignal())
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = post(r, "/v1/signals", validSignal())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	bad := validSignal()
	bad.EntityType = "mailbox"
	w = post(r, "/v1/signals", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signal")

	w = post(r, "/v1/signals?sync=true", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
