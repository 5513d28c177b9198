// Package scheduler runs the reconciliation and expiry jobs on fixed
// intervals. Both jobs run on a single goroutine so cycles never overlap:
// a tick arriving while a cycle is still running is dropped, not queued.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/camuig/mt5-bonus/internal/config"
	"github.com/camuig/mt5-bonus/internal/logger"
	"github.com/camuig/mt5-bonus/internal/monitor"
	"github.com/camuig/mt5-bonus/internal/telegram"
)

type Scheduler struct {
	monitor  *monitor.Monitor
	notifier *telegram.Notifier
	config   *config.Config
	logger   *logger.Logger
}

func NewScheduler(mon *monitor.Monitor, notifier *telegram.Notifier, cfg *config.Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		monitor:  mon,
		notifier: notifier,
		config:   cfg,
		logger:   log,
	}
}

// Run blocks until ctx is cancelled. An in-flight cycle is allowed to
// finish; cancellation is only observed between cycles.
func (s *Scheduler) Run(ctx context.Context) {
	pollInterval := s.config.PollInterval()
	expiryInterval := s.config.ExpiryInterval()

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	expiryTicker := time.NewTicker(expiryInterval)
	defer expiryTicker.Stop()

	s.logger.Info("scheduler started",
		"poll_interval", pollInterval.String(),
		"expiry_interval", expiryInterval.String())

	// Run immediately on start
	s.runPollCycle(ctx)
	s.runExpiryCheck(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-pollTicker.C:
			s.runPollCycle(ctx)
			drain(pollTicker)
		case <-expiryTicker.C:
			s.runExpiryCheck(ctx)
			drain(expiryTicker)
		}
	}
}

func (s *Scheduler) runPollCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in poll cycle", "panic", fmt.Sprint(r))
			s.notifier.NotifyError("poll cycle panic", fmt.Errorf("%v", r))
		}
	}()

	started := time.Now()
	summary := s.monitor.RunCycle(ctx)

	if summary.Eventful() {
		s.logger.Info("poll cycle finished",
			"accounts", summary.Total,
			"deposits", summary.Deposits,
			"withdrawals", summary.Withdrawals,
			"drawdowns", summary.Drawdowns,
			"deals", summary.Deals,
			"errors", summary.Errors,
			"elapsed", time.Since(started).String())
	}
}

func (s *Scheduler) runExpiryCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in expiry check", "panic", fmt.Sprint(r))
			s.notifier.NotifyError("expiry check panic", fmt.Errorf("%v", r))
		}
	}()

	if count := s.monitor.CheckExpiredBonuses(ctx); count > 0 {
		s.logger.Info("expiry check finished", "expired", count)
	}
}

// drain discards ticks that piled up while a cycle ran long, so a slow
// cycle is followed by one fresh tick rather than a burst.
func drain(t *time.Ticker) {
	for {
		select {
		case <-t.C:
		default:
			return
		}
	}
}
