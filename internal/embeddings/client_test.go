package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatforge/jobs-service/config"
)

func embedServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(config.EmbeddingsConfig{
		APIURL:            server.URL,
		APIKey:            "test-key",
		Model:             "test-model",
		RequestsPerSecond: 1000,
		MaxRetries:        3,
	})
	return server, client
}

func TestEmbedHappyPath(t *testing.T) {
	var gotAuth, gotModel, gotInput string
	_, client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		if len(req.Input) > 0 {
			gotInput = req.Input[0]
		}

		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	})

	vec, err := client.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotModel)
	assert.Equal(t, "hello world", gotInput)
}

func TestEmbedRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	_, client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1}}},
		})
	})

	vec, err := client.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbedGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	_, client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Embed(context.Background(), "doomed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	// Initial attempt plus MaxRetries.
	assert.Equal(t, int32(4), calls.Load())
}

func TestEmbedDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	_, client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.Embed(context.Background(), "bad input")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedEmptyResponse(t *testing.T) {
	_, client := embedServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})

	_, err := client.Embed(context.Background(), "nothing back")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data")
}
