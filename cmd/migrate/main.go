package main

import (
	"log"

	"mailfollowup/internal/config"
	"mailfollowup/migrations"
	"mailfollowup/pkg/db"
	"mailfollowup/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	l := logger.NewLogger(cfg.Log.Level)
	defer l.Sync()

	if cfg.Storage.Driver != config.StoragePostgres {
		l.Info("Nothing to migrate", zap.String("storage", cfg.Storage.Driver))
		return
	}

	if err := db.RunMigrations(cfg.DB.DSN(), migrations.FS, l); err != nil {
		l.Fatal("migration failed", zap.Error(err))
	}
}
