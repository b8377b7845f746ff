package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/jobs-service/internal/database"
	"github.com/chatforge/jobs-service/internal/lineevents"
	"github.com/chatforge/jobs-service/internal/queue"
)

// fakeIntake is an in-memory LineIntake
type fakeIntake struct {
	integrations map[string]*database.Integration
	intakeErr    error
	intaken      []lineevents.Event
	inlineRuns   int
}

func (f *fakeIntake) Integration(ctx context.Context, id string) (*database.Integration, error) {
	return f.integrations[id], nil
}

func (f *fakeIntake) Intake(ctx context.Context, integrationID string, events []lineevents.Event) (int, error) {
	if f.intakeErr != nil {
		return 0, f.intakeErr
	}
	f.intaken = append(f.intaken, events...)
	return len(events), nil
}

func (f *fakeIntake) ProcessInline(ctx context.Context, justInserted int) queue.Summary {
	if justInserted > 0 {
		f.inlineRuns++
	}
	return queue.Summary{Processed: justInserted, Succeeded: justInserted}
}

const webhookChannelSecret = "channel-secret-1"

func webhookRouter(svc LineIntake) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/webhooks/line/:integrationId", LineWebhook(svc))
	return router
}

func newFakeIntake() *fakeIntake {
	return &fakeIntake{
		integrations: map[string]*database.Integration{
			"int-1": {ID: "int-1", Provider: "line", ChannelSecret: webhookChannelSecret},
		},
	}
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postWebhook(router *gin.Engine, integrationID string, body []byte, signature string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodPost, "/webhooks/line/"+integrationID, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(LineSignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

var webhookBody = []byte(`{"destination":"U000","events":[
	{"type":"message","webhookEventId":"evt-1","timestamp":1700000000000,
	 "source":{"type":"user","userId":"U111"},
	 "message":{"id":"msg-1","type":"text","text":"hello"}}
]}`)

func TestLineWebhookHappyPath(t *testing.T) {
	svc := newFakeIntake()
	router := webhookRouter(svc)

	w := postWebhook(router, "int-1", webhookBody, signBody(webhookChannelSecret, webhookBody))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received": true}`, w.Body.String())
	require.Len(t, svc.intaken, 1)
	assert.Equal(t, "evt-1", svc.intaken[0].WebhookID)
	assert.Equal(t, 1, svc.inlineRuns)
}

func TestLineWebhookUnknownIntegration(t *testing.T) {
	svc := newFakeIntake()
	router := webhookRouter(svc)

	w := postWebhook(router, "int-missing", webhookBody, signBody(webhookChannelSecret, webhookBody))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, svc.intaken)
}

func TestLineWebhookInvalidSignature(t *testing.T) {
	svc := newFakeIntake()
	router := webhookRouter(svc)

	w := postWebhook(router, "int-1", webhookBody, signBody("wrong-secret", webhookBody))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postWebhook(router, "int-1", webhookBody, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Empty(t, svc.intaken)
}

func TestLineWebhookMalformedBody(t *testing.T) {
	svc := newFakeIntake()
	router := webhookRouter(svc)

	body := []byte(`{"events": 42}`)
	w := postWebhook(router, "int-1", body, signBody(webhookChannelSecret, body))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLineWebhookNoTextEventsStill200(t *testing.T) {
	svc := newFakeIntake()
	router := webhookRouter(svc)

	// A follow event verifies and parses but yields nothing to store.
	body := []byte(`{"destination":"U000","events":[
		{"type":"follow","webhookEventId":"evt-9","source":{"type":"user","userId":"U111"}}
	]}`)
	w := postWebhook(router, "int-1", body, signBody(webhookChannelSecret, body))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, svc.intaken)
	assert.Zero(t, svc.inlineRuns)
}

func TestLineWebhookIntakeFailureAsksForRedelivery(t *testing.T) {
	svc := newFakeIntake()
	svc.intakeErr = errors.New("database down")
	router := webhookRouter(svc)

	w := postWebhook(router, "int-1", webhookBody, signBody(webhookChannelSecret, webhookBody))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
