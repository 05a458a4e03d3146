// Package sink forwards relayed events to an external record store (an
// Airtable-compatible CRM). Forwarding is best effort.
package sink

import (
	"context"
	"errors"
	"time"

	"webhook-relay/internal/config"
)

var ErrNotConfigured = errors.New("record sink not configured")

// Record is a row created in the external store.
type Record struct {
	ID          string         `json:"id"`
	CreatedTime string         `json:"createdTime"`
	Fields      map[string]any `json:"fields"`
}

// Sink creates records in a named collection.
type Sink interface {
	Configured() bool
	Send(ctx context.Context, collection string, fields map[string]any) (*Record, error)
}

// New returns the sink selected by cfg.Driver, or Noop when none is.
func New(cfg config.SinkConfig, timeout time.Duration) Sink {
	switch cfg.Driver {
	case "airtable":
		return NewAirtable(cfg, timeout)
	default:
		return Noop{}
	}
}

// Noop drops everything.
type Noop struct{}

func (Noop) Configured() bool { return false }

func (Noop) Send(context.Context, string, map[string]any) (*Record, error) {
	return nil, ErrNotConfigured
}
