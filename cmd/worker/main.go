package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	contracts "mailfollowup/contracts/mq"
	"mailfollowup/internal/app"
	"mailfollowup/internal/mqhandler"
	"mailfollowup/pkg/mq"
	"mailfollowup/pkg/util"

	"go.uber.org/zap"
)

type binding struct {
	name       string
	queue      string
	routingKey string
	handle     mqhandler.Handler
}

func main() {
	rt, err := app.Bootstrap("mailfollowup-worker", app.Needs{MQ: true, Redis: true})
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	defer rt.Close()
	logger := rt.Logger
	cfg := rt.Config

	logger.Info("Starting worker service...")

	svc := rt.Services()

	retries := util.NewRetryCounter(rt.Redis, cfg.Consumer.RetryTTL)
	guard := mqhandler.NewGuard(retries, rt.MQ, logger).WithMaxRetries(cfg.Consumer.MaxRetries)

	// Init Handlers
	deduper := util.NewDeduper(rt.Redis, cfg.Consumer.DedupTTL, logger)
	tracking := mqhandler.NewTrackingHandler(svc.Followups, svc.Engine, deduper, logger)
	approvals := mqhandler.NewApprovalHandler(svc.Engine, logger)

	bindings := []binding{
		// (1) sent mail becomes a tracked followup
		{"email_sent", "followup.email_sent.q", contracts.RoutingEmailSent, tracking.HandleEmailSent},
		// (2) replies complete followups and record response times
		{"reply_received", "followup.reply_received.q", contracts.RoutingReplyReceived, tracking.HandleReplyReceived},
		// (3) approval votes
		{"approval_submitted", "followup.approval_submitted.q", contracts.RoutingApprovalSubmitted, approvals.HandleApprovalSubmitted},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumers := make([]*mq.Consumer, 0, len(bindings))
	for _, b := range bindings {
		logger.Info("Initializing consumer", zap.String("queue", b.queue))
		c, err := mq.NewConsumer(cfg.MQ.URL, b.queue, b.routingKey, logger)
		if err != nil {
			logger.Fatal("failed to init consumer", zap.String("queue", b.queue), zap.Error(err))
		}
		c.SetHandler(guard.Wrap(b.name, b.routingKey, b.handle))
		consumers = append(consumers, c)

		go func(b binding) {
			if err := c.StartConsuming(); err != nil {
				logger.Error("consumer failed", zap.String("queue", b.queue), zap.Error(err))
				stop()
			}
		}(b)
	}

	logger.Info("All consumers started, worker is ready to process messages")
	<-ctx.Done()

	logger.Info("Shutting down worker")
	for _, c := range consumers {
		c.Stop()
		c.Close()
	}
}
