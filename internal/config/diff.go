package config

import (
	"slices"
	"sort"
	"strings"

	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured fields for logging. Secrets (tokens, API key, DSN) are never
// included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.LogChatID) != strings.TrimSpace(newCfg.Telegram.LogChatID) ||
		strings.TrimSpace(oldCfg.Telegram.APITimeout) != strings.TrimSpace(newCfg.Telegram.APITimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(newCfg.Telegram.LogChatID) != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Scanner != newCfg.Scanner {
		changed = append(changed, "scanner")
		attrs = append(attrs,
			logx.Bool("scanner.enabled", newCfg.Scanner.Enabled),
			logx.String("scanner.interval", newCfg.Scanner.Interval),
			logx.String("scanner.lease_ttl", newCfg.Scanner.LeaseTTL),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.timeout", newCfg.Delivery.Timeout),
			logx.Int("delivery.max_parallel", newCfg.Delivery.MaxParallel),
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.String("delivery.success_policy", newCfg.Delivery.SuccessPolicy),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.key_set", newCfg.API.Key != ""),
		)
	}

	if oldCfg.Events.AMQPURL != newCfg.Events.AMQPURL ||
		oldCfg.Events.Exchange != newCfg.Events.Exchange ||
		!slices.Equal(oldCfg.Events.Types, newCfg.Events.Types) {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.amqp_set", newCfg.Events.AMQPURL != ""),
			logx.String("events.exchange", newCfg.Events.Exchange),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes are not applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "telegram", "events":
			out = append(out, s)
		}
	}
	return out
}
