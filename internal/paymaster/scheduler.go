package paymaster

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DailyResetter rolls another component's daily counters.
type DailyResetter interface {
	ResetDaily(ctx context.Context) (int, error)
}

// DailyReset is the cron spec for the 00:00 UTC rollover.
const DailyReset = "0 0 * * *"

// Scheduler resets the tank and every gateway counter at the start of each
// UTC day. Reads roll lazily anyway; this keeps status views fresh.
type Scheduler struct {
	engine   *Engine
	gateways DailyResetter
	cron     *cron.Cron
	logger   *slog.Logger
	running  atomic.Bool
}

// NewScheduler creates a daily reset scheduler. gateways may be nil.
func NewScheduler(engine *Engine, gateways DailyResetter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Scheduler{
		engine:   engine,
		gateways: gateways,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLog)),
			cron.WithLogger(cronLog),
		),
		logger: logger,
	}
}

// Running reports whether the cron loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the schedule until ctx is done. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(DailyReset, func() { s.Reset(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule daily reset: %w", err)
	}
	s.cron.Start()
	s.running.Store(true)
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop halts the schedule and waits for a running reset to finish.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	<-s.cron.Stop().Done()
}

// Reset rolls the tank and gateway counters now.
func (s *Scheduler) Reset(ctx context.Context) {
	if _, err := s.engine.RollDay(ctx); err != nil {
		s.logger.Error("daily tank reset failed", "error", err)
	}
	if s.gateways == nil {
		return
	}
	n, err := s.gateways.ResetDaily(ctx)
	if err != nil {
		s.logger.Error("daily gateway reset failed", "error", err)
		return
	}
	s.logger.Info("gateway daily quotas reset", "gateways", n)
}
