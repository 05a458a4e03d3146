package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"webhook-relay/internal/ledger"
	"webhook-relay/internal/metadata"
)

type eventResponse struct {
	Status     string         `json:"status"`
	TrackingID string         `json:"tracking_id"`
	Message    string         `json:"message"`
	Results    []TargetResult `json:"results"`
}

func eventApp(r *relay, waitByDefault bool, blogSecret string, limiter *RateLimiter) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: NewErrorHandler(zerolog.Nop())})
	RegisterEventRoutes(app, NewEventHandler(r.router, waitByDefault, blogSecret, zerolog.Nop()), limiter)
	return app
}

func postEvent(t *testing.T, app *fiber.App, path string, body any, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var raw []byte
	switch v := body.(type) {
	case string:
		raw = []byte(v)
	default:
		var err error
		raw, err = json.Marshal(v)
		require.NoError(t, err)
	}
	req, _ := http.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func decodeEvent(t *testing.T, body []byte) eventResponse {
	t.Helper()
	var res eventResponse
	require.NoError(t, json.Unmarshal(body, &res), string(body))
	return res
}

func decodeError(t *testing.T, body []byte) *AppError {
	t.Helper()
	var res ErrorResponse
	require.NoError(t, json.Unmarshal(body, &res), string(body))
	require.NotNil(t, res.Error, string(body))
	return res.Error
}

func TestLeadEventDeliversToSubscribedTarget(t *testing.T) {
	r := newRelay(t, 2*time.Second, nil)
	zapier := newCapture(t, http.StatusOK)
	auth := "X-Api-Key: k-123"
	target, err := r.ledger.UpsertTarget(context.Background(), ledger.TargetInput{
		Name:        "Zapier",
		URL:         zapier.URL,
		ServiceType: "zapier",
		AuthHeader:  &auth,
		Events:      []string{EventLeadCreated},
	})
	require.NoError(t, err)
	app := eventApp(r, false, "", nil)

	resp, body := postEvent(t, app, "/events/lead?wait=true", lead(), nil)
	require.Equal(t, 200, resp.StatusCode, string(body))
	res := decodeEvent(t, body)
	require.Equal(t, "success", res.Status)
	require.NotEmpty(t, res.TrackingID)
	require.Len(t, res.Results, 1)
	require.True(t, res.Results[0].Success)
	require.Equal(t, 200, res.Results[0].StatusCode)
	require.Equal(t, target.ID, res.Results[0].TargetID)

	rows := r.deliveries(t, ledger.DeliveryFilter{TargetID: target.ID})
	require.Len(t, rows, 1)
	row := rows[0]
	require.True(t, row.Success)
	require.NotNil(t, row.ResponseStatus)
	require.Equal(t, 200, *row.ResponseStatus)
	require.Equal(t, 1, row.Attempt)
	require.Equal(t, metadata.StateSucceeded, row.State)
	require.NotNil(t, row.CompletedAt)

	got := zapier.received()
	require.Len(t, got, 1)
	require.Equal(t, "k-123", got[0].header.Get("X-Api-Key"))
	require.Equal(t, EventLeadCreated, got[0].header.Get("X-Webhook-Event"))
	require.Equal(t, row.ID, got[0].header.Get("X-Webhook-Delivery"))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(got[0].body, &sent))
	require.Equal(t, EventLeadCreated, sent["event_type"])
	require.Equal(t, res.TrackingID, sent["tracking_id"])
	require.Equal(t, "website", sent["source"])
	require.Equal(t, string(got[0].body), string(row.Payload))
}

func TestUnreachableTargetStillAcceptsEvent(t *testing.T) {
	r := newRelay(t, 100*time.Millisecond, nil)
	slow := slowServer(t, 5*time.Second)
	target := r.addTarget(t, "Slow CRM", slow.URL, EventLeadCreated)
	app := eventApp(r, true, "", nil)

	resp, body := postEvent(t, app, "/events/lead", lead(), nil)
	require.Equal(t, 200, resp.StatusCode, string(body))
	res := decodeEvent(t, body)
	require.Len(t, res.Results, 1)
	require.False(t, res.Results[0].Success)
	require.Zero(t, res.Results[0].StatusCode)

	rows := r.deliveries(t, ledger.DeliveryFilter{TargetID: target.ID})
	require.Len(t, rows, 1)
	row := rows[0]
	require.NotNil(t, row.ResponseStatus)
	require.Zero(t, *row.ResponseStatus)
	require.False(t, row.Success)
	require.NotNil(t, row.ResponseBody)
	require.NotEmpty(t, *row.ResponseBody)
	require.Equal(t, metadata.StateFailed, row.State)
}

func TestMixedTargetOutcomes(t *testing.T) {
	r := newRelay(t, 2*time.Second, nil)
	ok := r.addTarget(t, "ok", newCapture(t, http.StatusOK).URL, EventBookingCreated)
	broken := r.addTarget(t, "broken", newCapture(t, http.StatusInternalServerError).URL, EventBookingCreated)
	r.addTarget(t, "leads only", newCapture(t, http.StatusOK).URL, EventLeadCreated)
	app := eventApp(r, true, "", nil)

	guests := 2
	booking := &Booking{
		FirstName:   "Grace",
		Email:       "grace@example.com",
		BookingType: "villa",
		StartDate:   "2026-07-01",
		EndDate:     "2026-07-08T10:00:00Z",
		Guests:      &guests,
	}
	resp, body := postEvent(t, app, "/events/booking", booking, nil)
	require.Equal(t, 200, resp.StatusCode, string(body))
	res := decodeEvent(t, body)
	require.Len(t, res.Results, 2)

	byTarget := map[string]TargetResult{}
	for _, tr := range res.Results {
		byTarget[tr.TargetID] = tr
	}
	require.True(t, byTarget[ok.ID].Success)
	require.Equal(t, 200, byTarget[ok.ID].StatusCode)
	require.False(t, byTarget[broken.ID].Success)
	require.Equal(t, 500, byTarget[broken.ID].StatusCode)

	require.Len(t, r.deliveries(t, ledger.DeliveryFilter{Event: EventBookingCreated}), 2)
	failed := r.deliveries(t, ledger.DeliveryFilter{State: metadata.StateFailed})
	require.Len(t, failed, 1)
	require.Equal(t, broken.ID, failed[0].TargetID)
	require.NotNil(t, failed[0].ResponseBody)
	require.Equal(t, http.StatusText(500), *failed[0].ResponseBody)
}

func TestEventWithoutSubscribers(t *testing.T) {
	guide := &GuideRequest{FirstName: "Lin", Email: "lin@example.com", GuideType: "bali"}
	for name, wait := range map[string]bool{"sync": true, "async": false} {
		t.Run(name, func(t *testing.T) {
			r := newRelay(t, time.Second, nil)
			resp, body := postEvent(t, eventApp(r, wait, "", nil), "/events/guide-request", guide, nil)
			require.Equal(t, 200, resp.StatusCode, string(body))

			var raw map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(body, &raw))
			require.JSONEq(t, `[]`, string(raw["results"]))

			res := decodeEvent(t, body)
			require.Equal(t, noSubscribersMessage, res.Message)
			require.Empty(t, r.deliveries(t, ledger.DeliveryFilter{}))
		})
	}
}

func TestEventRequestErrors(t *testing.T) {
	r := newRelay(t, time.Second, nil)
	app := eventApp(r, true, "", nil)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
		field  string
	}{
		{"malformed json", `{"first_name":`, 400, "INVALID_PAYLOAD", ""},
		{"missing email", &Lead{FirstName: "Ada", InterestType: "villa"}, 422, "VALIDATION_FAILED", "email"},
		{"bad email", &Lead{FirstName: "Ada", Email: "not-an-address", InterestType: "villa"}, 422, "VALIDATION_FAILED", "email"},
		{"bad created_at", &Lead{FirstName: "Ada", Email: "ada@example.com", InterestType: "villa", CreatedAt: "yesterday"}, 422, "VALIDATION_FAILED", "created_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postEvent(t, app, "/events/lead", tt.body, nil)
			require.Equal(t, tt.status, resp.StatusCode, string(body))
			appErr := decodeError(t, body)
			require.Equal(t, tt.code, appErr.Code)
			if tt.field == "" {
				return
			}
			fields := make([]string, 0, len(appErr.Details))
			for _, d := range appErr.Details {
				fields = append(fields, d.Field)
			}
			require.Contains(t, fields, tt.field)
		})
	}
}

func TestBlogPostSignature(t *testing.T) {
	r := newRelay(t, time.Second, nil)
	post := &BlogPost{Title: "Ten Days in Bali", Content: "Rice terraces and temples."}

	resp, body := postEvent(t, eventApp(r, true, "", nil), "/events/blog-post", post, nil)
	require.Equal(t, 500, resp.StatusCode, string(body))
	require.Equal(t, "SECRET_NOT_CONFIGURED", decodeError(t, body).Code)

	app := eventApp(r, true, "s3cret", nil)
	for name, header := range map[string]map[string]string{
		"missing": nil,
		"wrong":   {signatureHeader: "guess"},
	} {
		resp, body := postEvent(t, app, "/events/blog-post", post, header)
		require.Equal(t, 401, resp.StatusCode, "%s signature: %s", name, body)
	}

	blog := newCapture(t, http.StatusOK)
	r.addTarget(t, "blog", blog.URL, EventBlogPublished)
	resp, body = postEvent(t, app, "/events/blog-post", post, map[string]string{signatureHeader: "s3cret"})
	require.Equal(t, 200, resp.StatusCode, string(body))

	got := blog.received()
	require.Len(t, got, 1)
	var sent map[string]any
	require.NoError(t, json.Unmarshal(got[0].body, &sent))
	require.Equal(t, "ten-days-in-bali", sent["slug"])
	require.Equal(t, "travel", sent["category"])
	require.Equal(t, true, sent["publish"])
}

func TestEventRateLimit(t *testing.T) {
	r := newRelay(t, time.Second, nil)
	app := eventApp(r, true, "", NewRateLimiter(0.001, 1))

	resp, body := postEvent(t, app, "/events/lead", lead(), nil)
	require.Equal(t, 200, resp.StatusCode, string(body))
	resp, body = postEvent(t, app, "/events/lead", lead(), nil)
	require.Equal(t, 429, resp.StatusCode, string(body))
	require.Equal(t, "RATE_LIMITED", decodeError(t, body).Code)
}

func TestAsyncSubmitDeliversInBackground(t *testing.T) {
	r := newRelay(t, 2*time.Second, nil)
	target := newCapture(t, http.StatusAccepted)
	r.addTarget(t, "async", target.URL, EventLeadCreated)
	app := eventApp(r, false, "", nil)

	resp, body := postEvent(t, app, "/events/lead", lead(), nil)
	require.Equal(t, 200, resp.StatusCode, string(body))
	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	require.NotContains(t, raw, "results")
	require.NotEmpty(t, raw["tracking_id"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.pool.Stop(ctx))

	rows := r.deliveries(t, ledger.DeliveryFilter{})
	require.Len(t, rows, 1)
	require.True(t, rows[0].Success)
	require.Equal(t, http.StatusAccepted, *rows[0].ResponseStatus)
	require.Len(t, target.received(), 1)
}

func TestSubmitAfterPoolStopDeliversInline(t *testing.T) {
	r := newRelay(t, 2*time.Second, nil)
	r.addTarget(t, "inline", newCapture(t, http.StatusOK).URL, EventLeadCreated)
	require.NoError(t, r.pool.Stop(context.Background()))

	res, err := r.router.Submit(context.Background(), lead())
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.True(t, res.Results[0].Success)
}
