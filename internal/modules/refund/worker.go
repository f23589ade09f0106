package refund

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper is the part of Service the background worker drives.
type Sweeper interface {
	ReconcileProcessing(ctx context.Context) (SweepReport, error)
	ResyncOrders(ctx context.Context) (int, error)
}

// Worker periodically polls PROCESSING refunds, redispatches stale ones, resubmits
// stranded APPROVED refunds and repairs SUCCEEDED refunds whose order sync did not
// finish.
type Worker struct {
	sweeper  Sweeper
	interval time.Duration
	log      *zap.Logger
}

func NewWorker(sweeper Sweeper, interval time.Duration, log *zap.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{sweeper: sweeper, interval: interval, log: log}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("refund sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep.
func (w *Worker) RunOnce(ctx context.Context) (SweepReport, error) {
	report, err := w.sweeper.ReconcileProcessing(ctx)
	if err != nil {
		return report, err
	}
	report.Resynced, err = w.sweeper.ResyncOrders(ctx)
	if report.Polled+report.Redispatched+report.Resubmitted+report.Resynced > 0 || report.Errors > 0 {
		w.log.Info("refund sweep finished",
			zap.Int("polled", report.Polled),
			zap.Int("redispatched", report.Redispatched),
			zap.Int("resubmitted", report.Resubmitted),
			zap.Int("resolved", report.Resolved),
			zap.Int("resynced", report.Resynced),
			zap.Int("errors", report.Errors))
	}
	return report, err
}
