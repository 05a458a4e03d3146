package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"webhook-relay/internal/instrument"
	"webhook-relay/internal/ledger"
	"webhook-relay/internal/metadata"
	"webhook-relay/internal/sink"
	"webhook-relay/internal/tasks"
)

// DeliveryLedger is the subset of the ledger the engine writes through.
type DeliveryLedger interface {
	TargetSource
	GetTarget(ctx context.Context, id string) (*metadata.WebhookTarget, error)
	GetDelivery(ctx context.Context, id string) (*metadata.WebhookDelivery, error)
	RecordDeliveryStart(ctx context.Context, targetID, event string, payload []byte) (string, error)
	RecordRetryStart(ctx context.Context, originalID string) (*metadata.WebhookDelivery, error)
	RecordDeliveryOutcome(ctx context.Context, id string, status int, body string, duration time.Duration) error
}

// Submitter runs detached work.
type Submitter interface {
	Submit(ctx context.Context, name string, fn tasks.Func) error
}

// TargetResult summarises the delivery of one event to one target.
type TargetResult struct {
	TargetID   string `json:"target_id"`
	TargetName string `json:"target_name"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

// RouteResult is returned to the event submitter.
type RouteResult struct {
	TrackingID string
	Message    string
	Matched    int
	Results    []TargetResult
}

// PreparedEvent is a validated event with its canonical payload.
type PreparedEvent struct {
	Name       string
	TrackingID string
	Payload    []byte
	Fields     map[string]any
}

const noSubscribersMessage = "no subscribers for event"

// outcomeWriteTimeout bounds the outcome write, which runs even when the
// caller's context has ended so a sent request is never left pending.
const outcomeWriteTimeout = 5 * time.Second

// queueWait bounds how long an event submitter waits for a free queue slot.
const queueWait = 250 * time.Millisecond

func recordOutcome(ctx context.Context, l DeliveryLedger, id string, out DeliveryResult) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()
	return l.RecordDeliveryOutcome(ctx, id, out.Status, out.Body, out.Duration)
}

// Router turns inbound events into ledger-recorded deliveries.
type Router struct {
	ledger         DeliveryLedger
	matcher        *Matcher
	dispatcher     *Dispatcher
	conditions     *ConditionEvaluator
	sink           sink.Sink
	pool           Submitter
	metrics        *instrument.Metrics
	logger         zerolog.Logger
	maxConcurrency int
	queueWait      time.Duration
	now            func() time.Time
}

type RouterConfig struct {
	Ledger         DeliveryLedger
	Dispatcher     *Dispatcher
	Sink           sink.Sink
	Pool           Submitter
	Metrics        *instrument.Metrics
	Logger         zerolog.Logger
	MaxConcurrency int
}

func NewRouter(cfg RouterConfig) *Router {
	s := cfg.Sink
	if s == nil {
		s = sink.Noop{}
	}
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}
	return &Router{
		ledger:         cfg.Ledger,
		matcher:        NewMatcher(cfg.Ledger),
		dispatcher:     cfg.Dispatcher,
		conditions:     NewConditionEvaluator(),
		sink:           s,
		pool:           cfg.Pool,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With().Str("component", "router").Logger(),
		maxConcurrency: limit,
		queueWait:      queueWait,
		now:            time.Now,
	}
}

// Prepare validates ev and builds its canonical payload: the event fields
// plus event_type and a fresh tracking_id.
func (r *Router) Prepare(ev Event) (*PreparedEvent, error) {
	if details := ev.Prepare(r.now()); len(details) > 0 {
		return nil, ValidationError(details)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	trackingID := uuid.NewString()
	fields["event_type"] = ev.EventName()
	fields["tracking_id"] = trackingID
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &PreparedEvent{Name: ev.EventName(), TrackingID: trackingID, Payload: payload, Fields: fields}, nil
}

// RouteEvent prepares ev and delivers it to every subscribed target before
// returning. Delivery failures are reported per target and never fail the call.
func (r *Router) RouteEvent(ctx context.Context, ev Event) (*RouteResult, error) {
	pe, err := r.Prepare(ev)
	if err != nil {
		return nil, err
	}
	r.forwardToSink(ctx, pe)

	targets, err := r.matcher.MatchTargets(ctx, pe.Name)
	if err != nil {
		return nil, FromLedgerError(err, "target", "")
	}
	res := &RouteResult{TrackingID: pe.TrackingID, Matched: len(targets), Results: []TargetResult{}}
	if len(targets) == 0 {
		res.Message = noSubscribersMessage
		return res, nil
	}
	res.Results = r.fanOut(ctx, pe, targets)
	return res, nil
}

// Submit prepares ev and matches targets synchronously, then hands delivery
// to the task pool and returns without waiting for it.
func (r *Router) Submit(ctx context.Context, ev Event) (*RouteResult, error) {
	pe, err := r.Prepare(ev)
	if err != nil {
		return nil, err
	}
	r.forwardToSink(ctx, pe)

	targets, err := r.matcher.MatchTargets(ctx, pe.Name)
	if err != nil {
		return nil, FromLedgerError(err, "target", "")
	}
	res := &RouteResult{TrackingID: pe.TrackingID, Matched: len(targets)}
	if len(targets) == 0 {
		res.Message = noSubscribersMessage
		res.Results = []TargetResult{}
		return res, nil
	}

	err = r.enqueue(ctx, "deliver "+pe.Name, func(taskCtx context.Context) {
		results := r.fanOut(taskCtx, pe, targets)
		r.logger.Info().
			Str("event", pe.Name).
			Str("tracking_id", pe.TrackingID).
			Int("targets", len(results)).
			Msg("event delivered")
	})
	if err != nil {
		r.logger.Error().Err(err).Str("tracking_id", pe.TrackingID).Msg("queue delivery, delivering inline")
		res.Results = r.fanOut(context.WithoutCancel(ctx), pe, targets)
	}
	return res, nil
}

func (r *Router) fanOut(ctx context.Context, pe *PreparedEvent, targets []*metadata.WebhookTarget) []TargetResult {
	results := make([]*TargetResult, len(targets))
	var g errgroup.Group
	g.SetLimit(r.maxConcurrency)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			results[i] = r.deliverTo(ctx, pe, t)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]TargetResult, 0, len(results))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}
	return out
}

// deliverTo returns nil when the target's condition filters the event out.
func (r *Router) deliverTo(ctx context.Context, pe *PreparedEvent, t *metadata.WebhookTarget) *TargetResult {
	log := r.logger.With().Str("event", pe.Name).Str("tracking_id", pe.TrackingID).Str("target_id", t.ID).Logger()

	ok, err := r.conditions.Evaluate(t.Condition, pe.Name, pe.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("target condition failed, skipping")
		return nil
	}
	if !ok {
		log.Debug().Msg("target condition false, skipping")
		return nil
	}

	res := &TargetResult{TargetID: t.ID, TargetName: t.Name}
	id, err := r.ledger.RecordDeliveryStart(ctx, t.ID, pe.Name, pe.Payload)
	if err != nil {
		log.Error().Err(err).Msg("record delivery start")
		res.Error = FromLedgerError(err, "target", t.ID).Message
		return res
	}
	res.DeliveryID = id

	out := r.dispatcher.Deliver(ctx, t, pe.Name, id, pe.Payload)
	r.metrics.ObserveDelivery(pe.Name, out.Status, out.Duration)
	res.Success = out.Success
	res.StatusCode = out.Status

	if err := recordOutcome(ctx, r.ledger, id, out); err != nil {
		log.Error().Err(err).Str("delivery_id", id).Msg("record delivery outcome, row left pending")
		res.Error = "delivery outcome not recorded"
	}
	if !out.Success {
		log.Warn().Int("status", out.Status).Str("delivery_id", id).Msg("delivery failed")
	}
	return res
}

// enqueue hands fn to the pool, giving up once the queue stays full for
// queueWait.
func (r *Router) enqueue(ctx context.Context, name string, fn tasks.Func) error {
	ctx, cancel := context.WithTimeout(ctx, r.queueWait)
	defer cancel()
	return r.pool.Submit(ctx, name, fn)
}

// forwardToSink queues the best-effort copy to the record sink.
func (r *Router) forwardToSink(ctx context.Context, pe *PreparedEvent) {
	if !r.sink.Configured() {
		return
	}
	collection, fields, ok := sink.FieldsFor(pe.Fields)
	if !ok {
		return
	}
	err := r.enqueue(ctx, "sink "+pe.Name, func(taskCtx context.Context) {
		rec, err := r.sink.Send(taskCtx, collection, fields)
		if err != nil {
			r.logger.Error().Err(err).Str("tracking_id", pe.TrackingID).Str("collection", collection).Msg("record sink send failed")
			return
		}
		r.logger.Info().Str("tracking_id", pe.TrackingID).Str("record_id", rec.ID).Msg("record sink updated")
	})
	if err != nil {
		r.logger.Error().Err(err).Str("tracking_id", pe.TrackingID).Msg("queue record sink send")
	}
}

var _ DeliveryLedger = (*ledger.Ledger)(nil)
