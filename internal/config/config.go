package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the delivery service. Every
// knob is an environment variable so deployments stay twelve-factor.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Kafka     KafkaConfig
	Inbox     InboxConfig
	Retry     RetryConfig
	Broadcast BroadcastConfig
	Health    HealthConfig
	Scheduler SchedulerConfig
	Adapters  AdapterConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// HTTPConfig tunes the API surface.
type HTTPConfig struct {
	CORSOrigins []string
}

// KafkaConfig defines broker information and the event topics. Brokers is
// optional: when empty the service runs without Kafka and status/DLQ events
// stay local.
type KafkaConfig struct {
	Brokers     []string
	StatusTopic string
	DLQTopic    string
	InboxTopic  string
}

// Enabled reports whether Kafka publishing is configured at all.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// InboxConfig selects where normalized inbound messages are routed.
type InboxConfig struct {
	Backend      string
	AMQPURL      string
	AMQPExchange string
	AMQPKey      string
}

// RetryConfig controls orchestrator retry and backoff behaviour.
type RetryConfig struct {
	Count               int
	BaseBackoffMs       int
	MaxBackoffMs        int
	UrgentBaseBackoffMs int
	AdapterTimeoutMs    int
}

// BroadcastConfig bounds fan-out concurrency and total duration.
type BroadcastConfig struct {
	Concurrency    int
	TimeoutSeconds int
}

// HealthConfig controls adapter health probing.
type HealthConfig struct {
	PollIntervalSeconds int
	CheckTimeoutMs      int
}

// SchedulerConfig controls the deferred-delivery sweep.
type SchedulerConfig struct {
	SweepIntervalMs int
}

// AdapterConfig lists the channels to register mock adapters for, plus their
// shared throttle. Real platform adapters replace these entries per channel.
type AdapterConfig struct {
	MockChannels       []string
	RateLimitPerMinute int
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.HTTP.CORSOrigins = ldr.getStringSlice("CORS_ALLOWED_ORIGINS", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.StatusTopic = ldr.getString("KAFKA_STATUS_TOPIC", "delivery.status", false)
	cfg.Kafka.DLQTopic = ldr.getString("KAFKA_DLQ_TOPIC", "delivery.dlq", false)
	cfg.Kafka.InboxTopic = ldr.getString("KAFKA_INBOUND_TOPIC", "messages.inbound", false)

	cfg.Inbox.Backend = ldr.getString("INBOX_BACKEND", "log", false)
	cfg.Inbox.AMQPURL = ldr.getString("AMQP_URL", "", cfg.Inbox.Backend == "amqp")
	cfg.Inbox.AMQPExchange = ldr.getString("AMQP_EXCHANGE", "carecomms.inbound", false)
	cfg.Inbox.AMQPKey = ldr.getString("AMQP_ROUTING_KEY", "inbound.message", false)

	cfg.Retry.Count = ldr.getInt("RETRY_COUNT", 3, false)
	cfg.Retry.BaseBackoffMs = ldr.getInt("RETRY_BASE_BACKOFF_MS", 1000, false)
	cfg.Retry.MaxBackoffMs = ldr.getInt("RETRY_MAX_BACKOFF_MS", 30000, false)
	cfg.Retry.UrgentBaseBackoffMs = ldr.getInt("URGENT_BASE_BACKOFF_MS", 250, false)
	cfg.Retry.AdapterTimeoutMs = ldr.getInt("ADAPTER_TIMEOUT_MS", 10000, false)

	cfg.Broadcast.Concurrency = ldr.getInt("BROADCAST_CONCURRENCY", 10, false)
	cfg.Broadcast.TimeoutSeconds = ldr.getInt("BROADCAST_TIMEOUT_SECONDS", 300, false)

	cfg.Health.PollIntervalSeconds = ldr.getInt("HEALTH_POLL_INTERVAL_SECONDS", 60, false)
	cfg.Health.CheckTimeoutMs = ldr.getInt("HEALTH_CHECK_TIMEOUT_MS", 5000, false)

	cfg.Scheduler.SweepIntervalMs = ldr.getInt("SCHEDULER_SWEEP_INTERVAL_MS", 1000, false)

	cfg.Adapters.MockChannels = ldr.getStringSlice("MOCK_CHANNELS", false)
	cfg.Adapters.RateLimitPerMinute = ldr.getInt("RATE_LIMIT_PER_MINUTE", 0, false)

	if cfg.Inbox.Backend == "kafka" && !cfg.Kafka.Enabled() {
		ldr.addError("KAFKA_BROKERS is required when INBOX_BACKEND is kafka")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
