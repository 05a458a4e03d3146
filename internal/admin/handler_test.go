package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"webhook-relay/internal/config"
	"webhook-relay/internal/engine"
	"webhook-relay/internal/ledger"
	"webhook-relay/internal/metadata"
	"webhook-relay/internal/store"
)

type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Meta  map[string]int   `json:"meta"`
	Error *engine.AppError `json:"error"`
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "admin"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, store.NewMigrator(s).Migrate(ctx))
	return ledger.New(s)
}

func newApp(l Ledger, r Retrier, retryTimeout time.Duration) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: engine.NewErrorHandler(zerolog.Nop())})
	RegisterAdminRoutes(app, NewHandler(l, r, retryTimeout), func(c *fiber.Ctx) error { return c.Next() })
	return app
}

func do(t *testing.T, app *fiber.App, method, path string, body any) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestTargetEndpoints(t *testing.T) {
	app := newApp(newLedger(t), nil, 0)

	status, env := do(t, app, http.MethodPost, "/webhooks/targets", map[string]any{
		"name":         "Zapier",
		"url":          "https://hooks.zapier.com/abc",
		"service_type": "zapier",
		"events":       []string{"lead.created"},
	})
	require.Equal(t, http.StatusCreated, status)
	var created metadata.WebhookTarget
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.ID)
	require.True(t, created.IsActive)

	status, env = do(t, app, http.MethodPost, "/webhooks/targets", map[string]any{
		"id":           created.ID,
		"name":         "Zapier (paused)",
		"url":          created.URL,
		"service_type": "zapier",
		"events":       []string{"lead.created", "booking.created"},
		"is_active":    false,
	})
	require.Equal(t, http.StatusOK, status)
	var updated metadata.WebhookTarget
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	require.Equal(t, created.ID, updated.ID)
	require.False(t, updated.IsActive)
	require.Len(t, updated.Events, 2)

	status, env = do(t, app, http.MethodGet, "/webhooks/targets/"+created.ID, nil)
	require.Equal(t, http.StatusOK, status)
	var fetched metadata.WebhookTarget
	require.NoError(t, json.Unmarshal(env.Data, &fetched))
	require.Equal(t, "Zapier (paused)", fetched.Name)

	status, env = do(t, app, http.MethodGet, "/webhooks/targets", nil)
	require.Equal(t, http.StatusOK, status)
	var all []metadata.WebhookTarget
	require.NoError(t, json.Unmarshal(env.Data, &all))
	require.Len(t, all, 1)

	status, env = do(t, app, http.MethodGet, "/webhooks/targets/missing", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestUpsertTargetRejectsBadInput(t *testing.T) {
	app := newApp(newLedger(t), nil, 0)

	status, env := do(t, app, http.MethodPost, "/webhooks/targets", map[string]any{
		"name":   "",
		"url":    "not a url",
		"events": []string{},
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "VALIDATION_FAILED", env.Error.Code)
	fields := map[string]bool{}
	for _, d := range env.Error.Details {
		fields[d.Field] = true
	}
	for _, f := range []string{"name", "url", "service_type", "events"} {
		require.True(t, fields[f], "missing detail for %s", f)
	}

	status, env = do(t, app, http.MethodPost, "/webhooks/targets", map[string]any{
		"id":           "missing",
		"name":         "x",
		"url":          "https://example.com",
		"service_type": "custom",
		"events":       []string{"lead.created"},
	})
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", env.Error.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/targets", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func seedDeliveries(t *testing.T, l *ledger.Ledger) (*metadata.WebhookTarget, []string) {
	t.Helper()
	ctx := context.Background()
	target, err := l.UpsertTarget(ctx, ledger.TargetInput{
		Name:        "crm",
		URL:         "https://crm.example.com/hook",
		ServiceType: "custom",
		Events:      []string{"lead.created", "booking.created"},
	})
	require.NoError(t, err)

	var ids []string
	for i, outcome := range []int{200, 500, -1} {
		event := "lead.created"
		if i == 2 {
			event = "booking.created"
		}
		id, err := l.RecordDeliveryStart(ctx, target.ID, event, []byte(`{"n":1}`))
		require.NoError(t, err)
		if outcome >= 0 {
			require.NoError(t, l.RecordDeliveryOutcome(ctx, id, outcome, "body", 10*time.Millisecond))
		}
		ids = append(ids, id)
	}
	return target, ids
}

func TestListDeliveries(t *testing.T) {
	l := newLedger(t)
	target, ids := seedDeliveries(t, l)
	app := newApp(l, nil, 0)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{ids[2], ids[1], ids[0]}},
		{"?limit=2", []string{ids[2], ids[1]}},
		{"?event=booking.created", []string{ids[2]}},
		{"?targetId=" + target.ID + "&success=true", []string{ids[0]}},
		{"?state=failed", []string{ids[1]}},
		{"?state=pending", []string{ids[2]}},
		{"?targetId=other", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			status, env := do(t, app, http.MethodGet, "/webhooks/deliveries"+tt.query, nil)
			require.Equal(t, http.StatusOK, status)
			var got []metadata.WebhookDelivery
			require.NoError(t, json.Unmarshal(env.Data, &got))
			gotIDs := []string{}
			for _, d := range got {
				gotIDs = append(gotIDs, d.ID)
			}
			require.Equal(t, tt.want, gotIDs)
			require.Equal(t, len(tt.want), env.Meta["count"])
		})
	}

	for _, q := range []string{"?limit=0", "?limit=abc", "?success=maybe", "?state=done"} {
		status, env := do(t, app, http.MethodGet, "/webhooks/deliveries"+q, nil)
		require.Equal(t, http.StatusUnprocessableEntity, status, q)
		require.Equal(t, "VALIDATION_FAILED", env.Error.Code, q)
	}

	status, env := do(t, app, http.MethodGet, "/webhooks/deliveries/"+ids[1], nil)
	require.Equal(t, http.StatusOK, status)
	var d metadata.WebhookDelivery
	require.NoError(t, json.Unmarshal(env.Data, &d))
	require.Equal(t, metadata.StateFailed, d.State)
	require.Equal(t, "crm", d.TargetName)

	status, _ = do(t, app, http.MethodGet, "/webhooks/deliveries/missing", nil)
	require.Equal(t, http.StatusNotFound, status)
}

type deadlineRetrier struct {
	deadline time.Duration
	err      error
}

func (r *deadlineRetrier) RetryDelivery(ctx context.Context, id string) (*metadata.WebhookDelivery, error) {
	if dl, ok := ctx.Deadline(); ok {
		r.deadline = time.Until(dl)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &metadata.WebhookDelivery{ID: "new", RetryOf: &id, Attempt: 2}, nil
}

func TestRetryDeliveryEndpoint(t *testing.T) {
	r := &deadlineRetrier{}
	app := newApp(newLedger(t), r, time.Minute)

	status, env := do(t, app, http.MethodPost, "/webhooks/deliveries/d1/retry", nil)
	require.Equal(t, http.StatusCreated, status)
	var d metadata.WebhookDelivery
	require.NoError(t, json.Unmarshal(env.Data, &d))
	require.Equal(t, "d1", *d.RetryOf)
	require.Greater(t, r.deadline, 50*time.Second)

	r.err = engine.InvalidStateError("target t1 is inactive")
	status, env = do(t, app, http.MethodPost, "/webhooks/deliveries/d1/retry", nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "INVALID_STATE", env.Error.Code)
}

func TestRetryDeliveryEndToEnd(t *testing.T) {
	l := newLedger(t)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	ctx := context.Background()
	target, err := l.UpsertTarget(ctx, ledger.TargetInput{Name: "hook", URL: hook.URL, ServiceType: "custom", Events: []string{"lead.created"}})
	require.NoError(t, err)
	id, err := l.RecordDeliveryStart(ctx, target.ID, "lead.created", []byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	require.NoError(t, l.RecordDeliveryOutcome(ctx, id, 0, "connection refused", time.Millisecond))

	retries := engine.NewRetryController(l, engine.NewDispatcher(time.Second, "", zerolog.Nop()), nil, zerolog.Nop())
	app := newApp(l, retries, 0)

	status, env := do(t, app, http.MethodPost, "/webhooks/deliveries/"+id+"/retry", nil)
	require.Equal(t, http.StatusCreated, status)
	var d metadata.WebhookDelivery
	require.NoError(t, json.Unmarshal(env.Data, &d))
	require.True(t, d.Success)
	require.Equal(t, 2, d.Attempt)
	require.JSONEq(t, `{"b":2,"a":1}`, string(d.Payload))

	status, env = do(t, app, http.MethodPost, "/webhooks/deliveries/missing/retry", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "NOT_FOUND", env.Error.Code)
}
