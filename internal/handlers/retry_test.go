package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/chatforge/jobs-service/internal/queue"
)

func TestRetryUnknownFamily(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	stores := map[string]*queue.Store{}
	router.POST("/api/jobs/:family/retry-failed", RetryAllFailed(stores))
	router.POST("/api/jobs/:family/:id/retry", RetryJob(stores))

	req, _ := http.NewRequest(http.MethodPost, "/api/jobs/nonsense/retry-failed", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req, _ = http.NewRequest(http.MethodPost, "/api/jobs/nonsense/some-id/retry", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
