package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"mailfollowup/internal/app"
	"mailfollowup/internal/service/notifier"
	"mailfollowup/internal/service/scheduler"
	"mailfollowup/pkg/outbox"
	"mailfollowup/pkg/util"

	"go.uber.org/zap"
)

const sweepLeaseKey = "sweep:lease"

func main() {
	rt, err := app.Bootstrap("mailfollowup-scheduler", app.Needs{MQ: true, Redis: true})
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	defer rt.Close()
	logger := rt.Logger
	cfg := rt.Config

	svc := rt.Services()

	deduper := util.NewDeduper(rt.Redis, cfg.Consumer.DedupTTL, logger)
	reminders := notifier.NewMQNotifier(rt.Events, deduper, logger)

	sweeper := scheduler.NewSweeper(rt.Stores, svc.Matcher, svc.Engine, reminders, cfg.Scheduler, logger)
	leaseTTL := cfg.Scheduler.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	sweeper.WithLock(util.NewLease(rt.Redis, sweepLeaseKey, leaseTTL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// (1) Outbox dispatcher
	if rt.Outbox != nil {
		dispatcher := outbox.NewDispatcher(rt.Outbox, rt.MQ, logger).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		go dispatcher.Start(ctx)
	}

	// (2) Sweep loop, blocks until shutdown
	logger.Info("Scheduler started", zap.Duration("lease_ttl", leaseTTL))
	sweeper.Start(ctx)
	logger.Info("Scheduler stopped")
}
