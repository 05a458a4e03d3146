package metadata

import (
	"encoding/json"
	"time"
)

// Delivery states derived from response_status.
const (
	StatePending   = "pending"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// WebhookTarget is a registered delivery destination.
type WebhookTarget struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	ServiceType string    `json:"service_type"`
	AuthHeader  *string   `json:"auth_header,omitempty"`
	IsActive    bool      `json:"is_active"`
	Events      []string  `json:"events"`
	Condition   string    `json:"condition,omitempty"` // expression; empty = always deliver
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Subscribes reports whether the target is active and lists event exactly.
func (t *WebhookTarget) Subscribes(event string) bool {
	if !t.IsActive {
		return false
	}
	for _, e := range t.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookDelivery is one recorded attempt to deliver an event to a target.
// A retry is a new row linked to the one it supersedes.
type WebhookDelivery struct {
	ID              string          `json:"id"`
	TargetID        string          `json:"target_id"`
	Event           string          `json:"event"`
	Payload         json.RawMessage `json:"payload"`
	ResponseStatus  *int            `json:"response_status"`
	ResponseBody    *string         `json:"response_body"`
	Attempt         int             `json:"attempt"`
	Success         bool            `json:"success"`
	DurationMs      *int64          `json:"duration_ms,omitempty"`
	Retried         bool            `json:"retried"`
	RetryDeliveryID *string         `json:"retry_delivery_id,omitempty"`
	RetryOf         *string         `json:"retry_of,omitempty"`
	ChainID         string          `json:"chain_id"`
	State           string          `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`

	// Joined from the owning target for listings.
	TargetName string `json:"target_name,omitempty"`
	TargetURL  string `json:"target_url,omitempty"`
}

// DeliveryState maps a nullable response status to a delivery state.
func DeliveryState(status *int) string {
	switch {
	case status == nil:
		return StatePending
	case IsSuccessStatus(*status):
		return StateSucceeded
	default:
		return StateFailed
	}
}

// IsSuccessStatus reports whether status is a 2xx HTTP code.
func IsSuccessStatus(status int) bool {
	return status >= 200 && status < 300
}
