package worker

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/util"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Expirer closes checkouts whose hold lapsed
type Expirer interface {
	ExpireStaleCheckouts(ctx context.Context) (int, error)
}

// ExpirySweeper runs the expiry sweep on a fixed interval
type ExpirySweeper struct {
	expirer   Expirer
	interval  time.Duration
	scheduler gocron.Scheduler
	logger    *zap.Logger
}

// NewExpirySweeper creates a new expiry sweeper
func NewExpirySweeper(expirer Expirer, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		expirer:  expirer,
		interval: interval,
		logger:   util.ComponentLogger("sweeper"),
	}
}

// Start schedules the sweep. Runs never overlap; a run that overruns the
// interval delays the next one.
func (w *ExpirySweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() {
			if _, err := w.SweepOnce(ctx); err != nil {
				w.logger.Error("Expiry sweep failed", zap.Error(err))
			}
		}),
		gocron.WithName("expire-stale-checkouts"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}

	w.scheduler = sched
	sched.Start()
	w.logger.Info("Expiry sweeper started", zap.Duration("interval", w.interval))
	return nil
}

// SweepOnce runs a single sweep
func (w *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return w.expirer.ExpireStaleCheckouts(ctx)
}

// Stop stops the scheduler and waits for a running sweep
func (w *ExpirySweeper) Stop() error {
	if w.scheduler == nil {
		return nil
	}
	w.logger.Info("Stopping expiry sweeper...")
	return w.scheduler.Shutdown()
}
