package models

import "errors"

// Webhook is a user-registered HTTP POST endpoint invoked on matching job
// events. Uniqueness is enforced at the (userId, url, eventType) tuple.
type Webhook struct {
	OwnedModel
	URL         string `gorm:"not null" json:"url"`
	EventType   string `gorm:"not null" json:"eventType"`
	Active      bool   `gorm:"default:true" json:"active"`
	Description string `json:"description,omitempty"`
}

type WebhookEventType string

const (
	WebhookEventProgress  WebhookEventType = "progress"
	WebhookEventCompleted WebhookEventType = "completed"
	WebhookEventFailed    WebhookEventType = "failed"
	WebhookEventDelta     WebhookEventType = "delta"
	WebhookEventAll       WebhookEventType = "all"
)

var validWebhookEventTypes = map[string]bool{
	string(WebhookEventProgress):  true,
	string(WebhookEventCompleted): true,
	string(WebhookEventFailed):    true,
	string(WebhookEventDelta):     true,
	string(WebhookEventAll):       true,
}

var (
	ErrInvalidWebhookURL       = errors.New("webhook url is required")
	ErrInvalidWebhookEventType = errors.New("webhook eventType is not recognised")
)

func (w *Webhook) Validate() error {
	if w.URL == "" {
		return ErrInvalidWebhookURL
	}
	if !validWebhookEventTypes[w.EventType] {
		return ErrInvalidWebhookEventType
	}
	return nil
}

// Matches reports whether this webhook should fire for the given event kind
// on a job it is entitled to hear about (caller already filtered by owner).
func (w *Webhook) Matches(eventKind string) bool {
	if !w.Active {
		return false
	}
	return w.EventType == eventKind || w.EventType == string(WebhookEventAll)
}
