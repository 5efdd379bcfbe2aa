package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/metrics"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
)

// Run executes the automated cycle (scan, classify, reclaim, reconcile) immediately and then on
// every interval until ctx is done. A failing stage is logged and reported; the loop continues.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("service: starting automated loop", "interval", s.cfg.Interval, "dryRun", s.cfg.DryRun)
	s.lastSummary = s.cfg.Clock.Now()

	s.RunCycle(ctx)

	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("service: automated loop stopped")
			return nil
		case <-ticker.Chan():
			s.RunCycle(ctx)
		}
	}
}

// RunCycle runs every stage once, then posts the periodic summary when due.
func (s *Service) RunCycle(ctx context.Context) {
	log := s.log.With("cycle", uuid.NewString())
	start := s.cfg.Clock.Now()
	log.Debug("service: cycle started")
	defer func() {
		log.Info("service: cycle completed", "duration", s.cfg.Clock.Since(start))
	}()

	var inserted int
	s.stage(ctx, log, "scan", func() error {
		res, err := s.Scan(ctx)
		inserted = res.Inserted
		return err
	})
	s.stage(ctx, log, "classify", func() error {
		res, err := s.AnalyzeStrategies(ctx)
		if err != nil {
			return err
		}
		if inserted > 0 {
			if err := s.cfg.Notifier.NotifyScan(ctx, inserted, res.ByStrategy[sol.StrategyActiveReclaim]); err != nil {
				log.Warn("service: failed to send scan notification", "error", err)
			}
		}
		return nil
	})
	s.stage(ctx, log, "reclaim", func() error {
		_, err := s.Reclaim(ctx)
		return err
	})
	s.stage(ctx, log, "reconcile", func() error {
		_, err := s.CheckPassive(ctx)
		return err
	})
	s.stage(ctx, log, "summary", func() error {
		return s.maybeSendSummary(ctx)
	})
}

func (s *Service) stage(ctx context.Context, log *slog.Logger, name string, fn func() error) {
	if ctx.Err() != nil {
		return
	}
	start := s.cfg.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("service: stage panicked", "stage", name, "panic", r)
			metrics.PanicsTotal.WithLabelValues(name).Inc()
			metrics.CycleTotal.WithLabelValues(name, "panic").Inc()
			s.report(ctx, name, fmt.Errorf("panic: %v", r))
		}
	}()

	err := fn()
	metrics.CycleDuration.WithLabelValues(name).Observe(s.cfg.Clock.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		metrics.CycleTotal.WithLabelValues(name, "error").Inc()
		log.Error("service: stage failed", "stage", name, "error", err)
		s.report(ctx, name, err)
		return
	}
	metrics.CycleTotal.WithLabelValues(name, "success").Inc()
}

func (s *Service) report(ctx context.Context, stage string, err error) {
	if nerr := s.cfg.Notifier.NotifyError(ctx, stage, err); nerr != nil {
		s.log.Warn("service: failed to send error notification", "stage", stage, "error", nerr)
	}
}

func (s *Service) maybeSendSummary(ctx context.Context) error {
	now := s.cfg.Clock.Now()
	if now.Sub(s.lastSummary) < s.cfg.SummaryInterval {
		return nil
	}
	stats, err := s.cfg.Store.Stats(ctx)
	if err != nil {
		return err
	}
	if err := s.cfg.Notifier.NotifyDailySummary(ctx, stats); err != nil {
		s.log.Warn("service: failed to send summary", "error", err)
	}
	s.lastSummary = now
	return nil
}

// Interval returns the automated loop period.
func (s *Service) Interval() time.Duration {
	return s.cfg.Interval
}
