package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/GezzyDax/Timelith/internal/api"
	"github.com/GezzyDax/Timelith/internal/delivery"
	"github.com/GezzyDax/Timelith/internal/eventbus"
	"github.com/GezzyDax/Timelith/internal/scanner"
	"github.com/GezzyDax/Timelith/internal/stats"
	"github.com/GezzyDax/Timelith/internal/storage"
	"github.com/GezzyDax/Timelith/internal/task/engine"
	telegram "github.com/GezzyDax/Timelith/internal/transport/telegram/adapter"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

const defaultSQLitePath = "./data/timelith.db"

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logChatID returns 0 when telegram.log_chat_id is empty or not numeric.
func logChatID(cfg *Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.LogChatID)
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapTelegramConfig(cfg *Config) (telegram.Config, error) {
	timeout, err := parseDuration("telegram.api_timeout", cfg.Telegram.APITimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), APITimeout: timeout}, nil
}

// mapStorageConfig defaults to a local sqlite file; the engine cannot run
// without a database.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := parseDuration("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultSQLitePath
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	case "none":
		return storage.Config{}, fmt.Errorf("storage.driver=none is not supported")
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te.Workers < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	}
	if te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.retry_max must be >= 0")
	}
	defTimeout, err := parseDuration("task_engine.default_timeout", te.DefaultTimeout, 0)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := parseDuration("task_engine.max_queue_delay", te.MaxQueueDelay, 0)
	if err != nil {
		return engine.Config{}, err
	}
	retryMax := te.RetryMax
	if retryMax == 0 {
		retryMax = 1
	}
	return engine.Config{
		Enabled:        true,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       retryMax,
	}, nil
}

func mapScannerConfig(cfg *Config) (scanner.Config, error) {
	interval, err := parseDuration("scanner.interval", cfg.Scanner.Interval, scanner.DefaultInterval)
	if err != nil {
		return scanner.Config{}, err
	}
	if interval < time.Second {
		return scanner.Config{}, fmt.Errorf("scanner.interval must be >= 1s")
	}
	ttl, err := parseDuration("scanner.lease_ttl", cfg.Scanner.LeaseTTL, scanner.DefaultLeaseTTL)
	if err != nil {
		return scanner.Config{}, err
	}
	policy, err := stats.ParsePolicy(cfg.Delivery.SuccessPolicy)
	if err != nil {
		return scanner.Config{}, fmt.Errorf("delivery.success_policy: %w", err)
	}
	dc, err := mapDeliveryConfig(cfg)
	if err != nil {
		return scanner.Config{}, err
	}
	if ttl <= dc.Timeout {
		return scanner.Config{}, fmt.Errorf("scanner.lease_ttl (%s) must exceed delivery.timeout (%s)", ttl, dc.Timeout)
	}
	return scanner.Config{
		Enabled:         cfg.Scanner.Enabled,
		Interval:        interval,
		LeaseTTL:        ttl,
		DeliveryTimeout: dc.Timeout,
		Policy:          policy,
	}, nil
}

func mapDeliveryConfig(cfg *Config) (delivery.Config, error) {
	d := cfg.Delivery
	timeout, err := parseDuration("delivery.timeout", d.Timeout, delivery.DefaultTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	if d.MaxParallel < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.max_parallel must be >= 0")
	}
	if d.RatePerSec < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.rate_per_sec must be >= 0")
	}
	return delivery.Config{Timeout: timeout, MaxParallel: d.MaxParallel, RatePerSec: d.RatePerSec}, nil
}

func mapAPIConfig(cfg *Config) (api.Config, error) {
	a := cfg.API
	read, err := parseDuration("api.read_timeout", a.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	write, err := parseDuration("api.write_timeout", a.WriteTimeout, 30*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	ttl, err := parseDuration("api.idempotency_ttl", a.IdempotencyTTL, api.DefaultIdempotencyTTL)
	if err != nil {
		return api.Config{}, err
	}
	if a.Enabled && strings.TrimSpace(a.Key) == "" {
		return api.Config{}, fmt.Errorf("api.key is required when api.enabled is true")
	}
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = api.DefaultAddr
	}
	return api.Config{
		Enabled:        a.Enabled,
		Addr:           addr,
		Key:            a.Key,
		ReadTimeout:    read,
		WriteTimeout:   write,
		IdempotencyTTL: ttl,
	}, nil
}

// mapEventsConfig reports false when forwarding is disabled.
func mapEventsConfig(cfg *Config) (eventbus.AMQPConfig, bool) {
	url := strings.TrimSpace(cfg.Events.AMQPURL)
	if url == "" {
		return eventbus.AMQPConfig{}, false
	}
	return eventbus.AMQPConfig{
		URL:      url,
		Exchange: strings.TrimSpace(cfg.Events.Exchange),
		Types:    cfg.Events.Types,
	}, true
}

// validate rejects a config that any component would refuse.
func validate(cfg *Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapScannerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	return nil
}
