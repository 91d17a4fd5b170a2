package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/mossy-p/sdp-rendezvous/internal/clock"
	"github.com/mossy-p/sdp-rendezvous/internal/metrics"
	"github.com/mossy-p/sdp-rendezvous/internal/ratelimit"
	"github.com/mossy-p/sdp-rendezvous/internal/store"
)

const (
	DefaultRetention       = 24 * time.Hour
	DefaultJanitorInterval = 10 * time.Minute
)

// Janitor ages out old exchange records and forgets idle rate-limit logs.
// Aged-out records are soft-deleted and never come back.
type Janitor struct {
	Store     store.Store
	Limiter   *ratelimit.Limiter
	Clock     clock.Clock
	Logger    *slog.Logger
	Retention time.Duration
	Interval  time.Duration
}

// Run performs a pass every Interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	clk := j.Clock
	if clk == nil {
		clk = clock.Real()
	}
	interval := j.Interval
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	clk := j.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	retention := j.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	expired, err := j.Store.AgeOut(ctx, clk.Now().Add(-retention))
	if err != nil {
		logger.Error("aging out exchange records failed", "error", err)
	} else if expired > 0 {
		metrics.RecordsExpired.Add(float64(expired))
		logger.Info("aged out exchange records", "count", expired)
	}

	if j.Limiter != nil {
		if dropped := j.Limiter.Sweep(0); dropped > 0 {
			logger.Debug("dropped idle rate-limit logs", "count", dropped)
		}
	}
}
