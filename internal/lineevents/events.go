package lineevents

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// WebhookBody is the provider's webhook envelope
type WebhookBody struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Event is one provider event. Only message events with a text message
// are processed; everything else (follow, unfollow, sticker, image...)
// is ignored at intake.
type Event struct {
	Type       string       `json:"type"`
	WebhookID  string       `json:"webhookEventId"`
	Timestamp  int64        `json:"timestamp"`
	ReplyToken string       `json:"replyToken"`
	Source     EventSource  `json:"source"`
	Message    EventMessage `json:"message"`
}

type EventSource struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type EventMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text"`
}

// EventPayload is what gets stored on the queue row
type EventPayload struct {
	IntegrationID string `json:"integration_id"`
	EventID       string `json:"event_id"`
	UserID        string `json:"user_id"`
	Text          string `json:"text"`
	Timestamp     int64  `json:"timestamp"`
}

// ParseTextEvents decodes a webhook body and keeps the text-message
// events that carry a usable provider event id and sender.
func ParseTextEvents(body []byte) ([]Event, error) {
	var parsed WebhookBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse webhook body: %w", err)
	}

	var events []Event
	for _, ev := range parsed.Events {
		if ev.Type != "message" || ev.Message.Type != "text" {
			continue
		}
		if ev.Source.UserID == "" || eventID(ev) == "" {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// eventID prefers the webhook event id and falls back to the message id,
// which is equally stable across redeliveries.
func eventID(ev Event) string {
	if ev.WebhookID != "" {
		return ev.WebhookID
	}
	return ev.Message.ID
}

// NormalizeText folds full-width characters and normalizes to NFC, so
// text typed with a Japanese IME matches what the response path expects.
func NormalizeText(s string) string {
	return strings.TrimSpace(norm.NFC.String(width.Fold.String(s)))
}
