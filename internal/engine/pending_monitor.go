package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"webhook-relay/internal/instrument"
)

// StaleCounter counts deliveries that never got an outcome.
type StaleCounter interface {
	CountStalePending(ctx context.Context, cutoff time.Time) (int, error)
}

// PendingMonitor periodically reports deliveries stuck in the pending state,
// for example after a crash between recording start and outcome. It only
// reports; rows are left untouched.
type PendingMonitor struct {
	ledger     StaleCounter
	metrics    *instrument.Metrics
	logger     zerolog.Logger
	interval   time.Duration
	staleAfter time.Duration
	ticker     *time.Ticker
	done       chan struct{}
	stopOnce   sync.Once
}

func NewPendingMonitor(l StaleCounter, m *instrument.Metrics, logger zerolog.Logger, interval, staleAfter time.Duration) *PendingMonitor {
	return &PendingMonitor{
		ledger:     l,
		metrics:    m,
		logger:     logger.With().Str("component", "pending_monitor").Logger(),
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Start begins the background ticker. A non-positive interval disables it.
func (pm *PendingMonitor) Start() {
	if pm.interval <= 0 {
		pm.logger.Info().Msg("pending monitor disabled")
		return
	}
	pm.ticker = time.NewTicker(pm.interval)
	pm.done = make(chan struct{})
	go pm.run()
	pm.logger.Info().Dur("interval", pm.interval).Dur("stale_after", pm.staleAfter).Msg("pending monitor started")
}

// Stop halts the background ticker. It is safe to call more than once.
func (pm *PendingMonitor) Stop() {
	pm.stopOnce.Do(func() {
		if pm.ticker != nil {
			pm.ticker.Stop()
		}
		if pm.done != nil {
			close(pm.done)
		}
	})
}

func (pm *PendingMonitor) run() {
	for {
		select {
		case <-pm.done:
			return
		case <-pm.ticker.C:
			pm.Check(context.Background())
		}
	}
}

// Check counts stale pending rows once and publishes the result.
func (pm *PendingMonitor) Check(ctx context.Context) int {
	if pm.interval > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pm.interval)
		defer cancel()
	}

	n, err := pm.ledger.CountStalePending(ctx, time.Now().Add(-pm.staleAfter))
	if err != nil {
		pm.logger.Error().Err(err).Msg("count stale pending deliveries")
		return 0
	}
	pm.metrics.SetPending(n)
	if n > 0 {
		pm.logger.Warn().Int("count", n).Dur("older_than", pm.staleAfter).Msg("deliveries stuck pending")
	}
	return n
}
