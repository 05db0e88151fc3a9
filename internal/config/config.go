// Package config assembles the typed service configuration from the layered
// YAML files under config/ and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"mailfollowup/internal/service/draft"
	"mailfollowup/internal/service/followup"
	"mailfollowup/internal/service/scheduler"
	"mailfollowup/pkg/circuitbreaker"
	base "mailfollowup/pkg/config"
	"mailfollowup/pkg/otel"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type StorageConfig struct {
	// Driver is postgres or memory.
	Driver string `yaml:"driver"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// ConsumerConfig bounds MQ redelivery and delivery dedup.
type ConsumerConfig struct {
	MaxRetries int64         `yaml:"max_retries"`
	RetryTTL   time.Duration `yaml:"retry_ttl"`
	DedupTTL   time.Duration `yaml:"dedup_ttl"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type Config struct {
	Env       string                `yaml:"env"`
	Timezone  string                `yaml:"timezone"`
	Storage   StorageConfig         `yaml:"storage"`
	DB        base.DBConfig         `yaml:"db"`
	MQ        base.MQConfig         `yaml:"mq"`
	Redis     base.RedisConfig      `yaml:"redis"`
	JWT       base.JWTConfig        `yaml:"jwt"`
	Server    base.ServerConfig     `yaml:"server"`
	SMTP      base.SMTPConfig       `yaml:"smtp"`
	Log       LogConfig             `yaml:"log"`
	AI        draft.Config          `yaml:"ai"`
	Followup  followup.Config       `yaml:"followup"`
	Scheduler scheduler.Config      `yaml:"scheduler"`
	Breaker   circuitbreaker.Config `yaml:"circuit_breaker"`
	Consumer  ConsumerConfig        `yaml:"consumer"`
	Outbox    OutboxConfig          `yaml:"outbox"`
	Tracing   otel.Config           `yaml:"tracing"`
}

// Load reads config/base.yaml and config/<CONFIG_ENV>.yaml from CONFIG_DIR
// (default "config"), then applies environment overrides.
func Load() (*Config, error) {
	env := base.GetConfigEnv()
	dir := base.GetEnv("CONFIG_DIR", "config")

	cfg := &Config{}
	if err := base.Load(env, dir, cfg); err != nil {
		return nil, fmt.Errorf("load config %s/%s: %w", dir, env, err)
	}
	cfg.Env = env

	base.OverrideDBFromEnv(&cfg.DB)
	base.OverrideMQFromEnv(&cfg.MQ)
	base.OverrideRedisFromEnv(&cfg.Redis)
	base.OverrideJWTFromEnv(&cfg.JWT)
	base.OverrideServerFromEnv(&cfg.Server)
	base.OverrideSMTPFromEnv(&cfg.SMTP)
	overrideFromEnv(cfg)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideFromEnv(cfg *Config) {
	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if provider := os.Getenv("AI_PROVIDER"); provider != "" {
		cfg.AI.Provider = provider
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.AI.GeminiAPIKey = key
	}
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		cfg.AI.OllamaURL = url
	}
	if enabled := os.Getenv("TRACING_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			cfg.Tracing.Enabled = b
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = StoragePostgres
	}
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Followup.DefaultFollowUpDays == 0 {
		c.Followup.DefaultFollowUpDays = followup.DefaultFollowUpDays
	}
	if c.Consumer.MaxRetries <= 0 {
		c.Consumer.MaxRetries = 5
	}
	if c.Consumer.RetryTTL <= 0 {
		c.Consumer.RetryTTL = time.Hour
	}
	if c.Consumer.DedupTTL <= 0 {
		c.Consumer.DedupTTL = 24 * time.Hour
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "mailfollowup"
	}
}

// Validate rejects configurations no binary can start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves Timezone; Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
