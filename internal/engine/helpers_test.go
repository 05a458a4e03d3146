package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"webhook-relay/internal/config"
	"webhook-relay/internal/instrument"
	"webhook-relay/internal/ledger"
	"webhook-relay/internal/metadata"
	"webhook-relay/internal/sink"
	"webhook-relay/internal/store"
	"webhook-relay/internal/tasks"
)

type relay struct {
	ledger  *ledger.Ledger
	router  *Router
	retries *RetryController
	pool    *tasks.Pool
	metrics *instrument.Metrics
}

func newRelay(t *testing.T, timeout time.Duration, s sink.Sink) *relay {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "engine"})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, store.NewMigrator(st).Migrate(ctx))

	l := ledger.New(st)
	pool := tasks.NewPool(2, 16, zerolog.Nop())
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })
	m := instrument.NewMetrics()
	d := NewDispatcher(timeout, "relay-test", zerolog.Nop())

	return &relay{
		ledger: l,
		router: NewRouter(RouterConfig{
			Ledger:         l,
			Dispatcher:     d,
			Sink:           s,
			Pool:           pool,
			Metrics:        m,
			Logger:         zerolog.Nop(),
			MaxConcurrency: 4,
		}),
		retries: NewRetryController(l, d, m, zerolog.Nop()),
		pool:    pool,
		metrics: m,
	}
}

func (r *relay) addTarget(t *testing.T, name, url string, events ...string) *metadata.WebhookTarget {
	t.Helper()
	target, err := r.ledger.UpsertTarget(context.Background(), ledger.TargetInput{
		Name:        name,
		URL:         url,
		ServiceType: "custom",
		Events:      events,
	})
	require.NoError(t, err)
	return target
}

func (r *relay) deliveries(t *testing.T, f ledger.DeliveryFilter) []*metadata.WebhookDelivery {
	t.Helper()
	ds, err := r.ledger.ListDeliveries(context.Background(), f, 0)
	require.NoError(t, err)
	return ds
}

// capture is a webhook target that records every request it receives.
type capture struct {
	*httptest.Server
	mu       sync.Mutex
	requests []captured
}

type captured struct {
	header http.Header
	body   []byte
}

func newCapture(t *testing.T, status int) *capture {
	t.Helper()
	c := &capture{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.requests = append(c.requests, captured{header: r.Header.Clone(), body: body})
		c.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(http.StatusText(status)))
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *capture) received() []captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]captured(nil), c.requests...)
}

// slowServer never answers within the dispatcher timeout.
func slowServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

type recordingSink struct {
	mu      sync.Mutex
	sent    map[string][]map[string]any
	err     error
	enabled bool
}

func (s *recordingSink) Configured() bool { return s.enabled }

func (s *recordingSink) Send(_ context.Context, collection string, fields map[string]any) (*sink.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = map[string][]map[string]any{}
	}
	s.sent[collection] = append(s.sent[collection], fields)
	if s.err != nil {
		return nil, s.err
	}
	return &sink.Record{ID: "rec1", Fields: fields}, nil
}

func (s *recordingSink) records(collection string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[collection]
}

func lead() *Lead {
	return &Lead{FirstName: "Ada", Email: "ada@example.com", InterestType: "villa"}
}

// fullQueue is a task pool whose queue never frees up.
type fullQueue struct{}

func (fullQueue) Submit(ctx context.Context, _ string, _ tasks.Func) error {
	<-ctx.Done()
	return ctx.Err()
}

// failingOutcomes is a ledger that cannot write delivery outcomes.
type failingOutcomes struct {
	*ledger.Ledger
}

func (failingOutcomes) RecordDeliveryOutcome(context.Context, string, int, string, time.Duration) error {
	return errors.New("disk full")
}
