package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"mailfollowup/internal/app"
	"mailfollowup/internal/handler"
	"mailfollowup/internal/httpserver"
	"mailfollowup/internal/service/scheduler"
	"mailfollowup/pkg/outbox"

	"go.uber.org/zap"
)

func main() {
	rt, err := app.Bootstrap("mailfollowup-api", app.Needs{MQ: true})
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}
	defer rt.Close()
	logger := rt.Logger
	cfg := rt.Config

	svc := rt.Services()

	// manual rule runs share the sweeper's evaluation path
	runner := scheduler.NewSweeper(rt.Stores, svc.Matcher, svc.Engine, nil, cfg.Scheduler, logger)

	handlers := httpserver.Handlers{
		Followups:  handler.NewFollowupHandler(svc.Followups, logger),
		Rules:      handler.NewRuleHandler(svc.Rules, runner, logger),
		Executions: handler.NewExecutionHandler(svc.Engine, svc.Followups, logger),
	}
	if rt.Outbox != nil {
		replay := outbox.NewReplayService(rt.Outbox, rt.MQ, logger)
		handlers.Admin = handler.NewAdminHandler(replay, logger)
	}

	router := httpserver.NewRouter(handlers, cfg.JWT.Secret, rt.Stores.Health, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("API server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server start failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
