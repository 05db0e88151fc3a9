// Package app builds the runtime shared by the binaries under cmd/.
package app

import (
	"fmt"
	"time"

	"mailfollowup/internal/config"
	"mailfollowup/internal/repository"
	"mailfollowup/internal/repository/memstore"
	"mailfollowup/internal/service/automation"
	"mailfollowup/internal/service/draft"
	"mailfollowup/internal/service/events"
	"mailfollowup/internal/service/followup"
	"mailfollowup/internal/service/matcher"
	"mailfollowup/internal/service/rules"
	"mailfollowup/internal/service/sender"
	"mailfollowup/pkg/db"
	"mailfollowup/pkg/logger"
	"mailfollowup/pkg/metrics"
	"mailfollowup/pkg/mq"
	"mailfollowup/pkg/otel"
	"mailfollowup/pkg/outbox"
	redisclient "mailfollowup/pkg/redis"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Needs selects the optional infrastructure a binary connects to.
type Needs struct {
	Redis bool
	MQ    bool
}

// Runtime holds configuration and connected infrastructure. Pool and
// Outbox are nil with the memory storage driver.
type Runtime struct {
	Config *config.Config
	Logger *zap.Logger

	Pool   *pgxpool.Pool
	Stores repository.Stores
	Outbox *outbox.Repository
	Events events.Publisher
	Redis  *redis.Client
	MQ     *mq.Publisher

	closers []func()
}

// Bootstrap loads configuration and connects everything service needs.
// On error, whatever was already opened is closed.
func Bootstrap(service string, needs Needs) (_ *Runtime, err error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.NewLogger(cfg.Log.Level).With(zap.String("service", service))
	rt := &Runtime{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()
	rt.onClose(func() { _ = log.Sync() })

	tracing := cfg.Tracing
	tracing.ServiceName = service
	shutdown, err := otel.Init(tracing, log)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.onClose(shutdown)

	if needs.MQ {
		pub, err := mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		rt.MQ = pub
		rt.onClose(pub.Close)
	}

	if needs.Redis {
		rdb, err := redisclient.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		rt.Redis = rdb
		rt.onClose(func() { _ = rdb.Close() })
	}

	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		pool, err := db.NewConnection(cfg.DB, log)
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		rt.onClose(pool.Close)
		metrics.RegisterPgxPoolMetrics(pool)

		rt.Stores = repository.NewPostgresStores(pool, log)
		rt.Outbox = outbox.NewRepository(pool)
		rt.Events = events.NewOutboxPublisher(rt.Outbox)
	default:
		log.Warn("Using in-memory storage; state is lost on restart")
		rt.Stores = memstore.New(time.Now).Stores()
		if rt.MQ != nil {
			rt.Events = events.NewMQPublisher(rt.MQ)
		} else {
			rt.Events = events.Nop{}
		}
	}

	log.Info("Runtime ready",
		zap.String("env", cfg.Env),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("redis", rt.Redis != nil),
		zap.Bool("mq", rt.MQ != nil),
	)
	return rt, nil
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Services is the domain layer every binary shares.
type Services struct {
	Followups *followup.Service
	Rules     *rules.Service
	Matcher   *matcher.Matcher
	Engine    *automation.Engine
}

func (r *Runtime) Services() *Services {
	cfg := r.Config
	followups := followup.NewService(r.Stores, r.Events, cfg.Followup, r.Logger)
	engine := automation.NewEngine(automation.Deps{
		Stores:    r.Stores,
		Lifecycle: followups,
		Generator: draft.New(cfg.AI),
		Sender:    sender.New(cfg.SMTP, r.Logger),
		Events:    r.Events,
		Logger:    r.Logger,
		Breaker:   cfg.Breaker,
	})
	return &Services{
		Followups: followups,
		Rules:     rules.NewService(r.Stores.Rules, r.Logger),
		Matcher:   matcher.New(r.Stores.Followups, r.Logger).WithLocation(cfg.Location()),
		Engine:    engine,
	}
}
