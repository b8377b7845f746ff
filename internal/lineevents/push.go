package lineevents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/chatforge/jobs-service/config"
)

// Pusher delivers a text message to a LINE user. Satisfied by PushClient;
// tests use a recorder.
type Pusher interface {
	Push(ctx context.Context, channelToken, userID, text string) error
}

// PushClient calls the LINE push message API
type PushClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	pushURL    string
}

func NewPushClient(cfg config.LineConfig) *PushClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &PushClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		pushURL:    cfg.PushURL,
	}
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []pushMessage `json:"messages"`
}

type pushMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *PushClient) Push(ctx context.Context, channelToken, userID, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	body, err := json.Marshal(pushRequest{
		To:       userID,
		Messages: []pushMessage{{Type: "text", Text: text}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+channelToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("push API returned %d: %s", resp.StatusCode, string(data))
	}
	return nil
}
