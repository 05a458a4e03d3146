package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"webhook-relay/internal/instrument"
	"webhook-relay/internal/ledger"
	"webhook-relay/internal/metadata"
)

// maxChainWalk bounds the walk from a retried row to the tip of its chain.
const maxChainWalk = 1000

// RetryController re-sends a recorded delivery as a new row linked to the
// one it retries. Retries within one chain run one at a time.
type RetryController struct {
	ledger     DeliveryLedger
	dispatcher *Dispatcher
	metrics    *instrument.Metrics
	logger     zerolog.Logger
	locks      keyedMutex
}

func NewRetryController(l DeliveryLedger, d *Dispatcher, m *instrument.Metrics, logger zerolog.Logger) *RetryController {
	return &RetryController{
		ledger:     l,
		dispatcher: d,
		metrics:    m,
		logger:     logger.With().Str("component", "retry").Logger(),
		locks:      keyedMutex{locks: map[string]*keyedLock{}},
	}
}

// RetryDelivery replays the event and payload of delivery id verbatim and
// returns the new delivery row. If id was already retried, the newest row of
// its chain is retried instead.
func (rc *RetryController) RetryDelivery(ctx context.Context, id string) (*metadata.WebhookDelivery, error) {
	orig, err := rc.ledger.GetDelivery(ctx, id)
	if err != nil {
		return nil, FromLedgerError(err, "delivery", id)
	}

	unlock := rc.locks.Lock(orig.ChainID)
	defer unlock()

	tip, err := rc.chainTip(ctx, orig.ID)
	if err != nil {
		return nil, err
	}

	target, err := rc.ledger.GetTarget(ctx, tip.TargetID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, InvalidStateError(fmt.Sprintf("target %s no longer exists", tip.TargetID))
	}
	if err != nil {
		return nil, FromLedgerError(err, "target", tip.TargetID)
	}
	if !target.IsActive {
		return nil, InvalidStateError(fmt.Sprintf("target %s is inactive", target.ID))
	}

	retry, err := rc.ledger.RecordRetryStart(ctx, tip.ID)
	if err != nil {
		return nil, FromLedgerError(err, "delivery", tip.ID)
	}

	out := rc.dispatcher.Deliver(ctx, target, retry.Event, retry.ID, retry.Payload)
	rc.metrics.ObserveDelivery(retry.Event, out.Status, out.Duration)
	if err := recordOutcome(ctx, rc.ledger, retry.ID, out); err != nil {
		rc.logger.Error().Err(err).Str("delivery_id", retry.ID).Msg("record retry outcome, row left pending")
		return nil, FromLedgerError(err, "delivery", retry.ID)
	}

	rc.logger.Info().
		Str("delivery_id", retry.ID).
		Str("retry_of", tip.ID).
		Int("attempt", retry.Attempt).
		Int("status", out.Status).
		Msg("delivery retried")

	stored, err := rc.ledger.GetDelivery(context.WithoutCancel(ctx), retry.ID)
	if err != nil {
		return nil, FromLedgerError(err, "delivery", retry.ID)
	}
	return stored, nil
}

func (rc *RetryController) chainTip(ctx context.Context, id string) (*metadata.WebhookDelivery, error) {
	for i := 0; i < maxChainWalk; i++ {
		d, err := rc.ledger.GetDelivery(ctx, id)
		if err != nil {
			return nil, FromLedgerError(err, "delivery", id)
		}
		if !d.Retried || d.RetryDeliveryID == nil {
			return d, nil
		}
		id = *d.RetryDeliveryID
	}
	return nil, InvalidStateError("retry chain is too long")
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
