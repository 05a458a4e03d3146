package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"webhook-relay/internal/ledger"
	"webhook-relay/internal/metadata"
)

const maxResponseRead = 64 * 1024

// DeliveryResult is the outcome of one outbound call. Status 0 means the
// target could not be reached and Body holds the error text.
type DeliveryResult struct {
	Status   int
	Body     string
	Success  bool
	Duration time.Duration
}

// Dispatcher performs one outbound POST per call. It never returns an error:
// every failure mode is folded into the DeliveryResult.
type Dispatcher struct {
	client    *http.Client
	userAgent string
	logger    zerolog.Logger
}

func NewDispatcher(timeout time.Duration, userAgent string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Deliver POSTs payload to target.URL. deliveryID is sent as X-Webhook-Delivery
// when non-empty.
func (d *Dispatcher) Deliver(ctx context.Context, target *metadata.WebhookTarget, event, deliveryID string, payload []byte) (res DeliveryResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = DeliveryResult{Body: ledger.TruncateBody(fmt.Sprintf("panic: %v", r))}
		}
		res.Duration = time.Since(start)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
	if err != nil {
		return DeliveryResult{Body: ledger.TruncateBody(fmt.Sprintf("build request: %v", err))}
	}
	req.Header.Set("Content-Type", "application/json")
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("X-Webhook-Event", event)
	if deliveryID != "" {
		req.Header.Set("X-Webhook-Delivery", deliveryID)
	}
	if target.AuthHeader != nil {
		if name, value, ok := ParseAuthHeader(*target.AuthHeader); ok {
			req.Header.Set(name, value)
		} else {
			d.logger.Warn().Str("target_id", target.ID).Msg("auth header has no usable value, sending without it")
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug().Err(err).Str("target_id", target.ID).Str("url", target.URL).Msg("delivery failed")
		return DeliveryResult{Body: ledger.TruncateBody(err.Error())}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseRead))
	if err != nil {
		d.logger.Debug().Err(err).Str("target_id", target.ID).Msg("read response body")
	}
	return DeliveryResult{
		Status:  resp.StatusCode,
		Body:    string(body),
		Success: metadata.IsSuccessStatus(resp.StatusCode),
	}
}

// ParseAuthHeader splits "Name: Value" on the first colon. A raw value with no
// colon becomes "Authorization: Bearer <value>". ok is false when there is
// nothing to send.
func ParseAuthHeader(raw string) (name, value string, ok bool) {
	if n, v, found := strings.Cut(raw, ":"); found {
		n, v = strings.TrimSpace(n), strings.TrimSpace(v)
		return n, v, n != "" && v != ""
	}
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", "", false
	}
	return "Authorization", "Bearer " + token, true
}
