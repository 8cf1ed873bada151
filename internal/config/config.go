package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/billing-bridge/internal/billing"
	"github.com/rcourtman/billing-bridge/internal/events"
	"github.com/rs/zerolog/log"
)

// Mu guards fields the ConfigWatcher may change at runtime.
var Mu sync.RWMutex

// Events backends.
const (
	EventsNone  = ""
	EventsNATS  = "nats"
	EventsKafka = "kafka"
)

// Sandbox purchase outcomes.
const (
	OutcomeApprove = "approve"
	OutcomeCancel  = "cancel"
	OutcomeDecline = "decline"
)

// Config holds the bridge configuration.
type Config struct {
	DataDir     string
	ListenAddr  string
	MetricsAddr string

	LogLevel  string
	LogFormat string
	LogFile   string

	QueueCapacity   int
	QueueTimeout    time.Duration
	PurchaseTimeout time.Duration
	ConnectTimeout  time.Duration
	ConnectOnStart  bool

	AllowedOrigins []string // wildcard patterns; empty means same host only
	ChannelRate    float64  // method calls per second per client
	ChannelBurst   int

	Sandbox SandboxConfig
	Events  EventsConfig

	OTLPEndpoint string

	// EnvOverrides records settings pinned by the process environment.
	// Values that only come from a .env file are not pinned and may be
	// changed by the ConfigWatcher.
	EnvOverrides map[string]bool
}

// SandboxConfig configures the local billing service.
type SandboxConfig struct {
	DBPath          string
	CatalogPath     string
	ConnectDelay    time.Duration
	PurchaseDelay   time.Duration
	FailConnect     bool
	Subscriptions   bool
	PurchaseOutcome string
}

// EventsConfig configures purchase outcome publishing.
type EventsConfig struct {
	Backend      string
	NATSURL      string
	NATSSubject  string
	KafkaBrokers []string
	KafkaTopic   string
}

// Default returns the configuration used when nothing is set.
func Default(dataDir string) *Config {
	session := billing.DefaultConfig()
	return &Config{
		DataDir:         dataDir,
		ListenAddr:      "127.0.0.1:7660",
		MetricsAddr:     "127.0.0.1:9091",
		LogLevel:        "info",
		LogFormat:       "auto",
		QueueCapacity:   session.QueueCapacity,
		QueueTimeout:    session.QueueTimeout,
		PurchaseTimeout: session.PurchaseTimeout,
		ConnectTimeout:  session.ConnectTimeout,
		ConnectOnStart:  session.ConnectOnStart,
		ChannelRate:     20,
		ChannelBurst:    40,
		Sandbox: SandboxConfig{
			DBPath:          filepath.Join(dataDir, "sandbox.db"),
			ConnectDelay:    200 * time.Millisecond,
			PurchaseDelay:   2 * time.Second,
			Subscriptions:   true,
			PurchaseOutcome: OutcomeApprove,
		},
		Events: EventsConfig{
			NATSURL:      "nats://127.0.0.1:4222",
			NATSSubject:  "billing.purchases",
			KafkaBrokers: []string{"127.0.0.1:9092"},
			KafkaTopic:   "billing-purchases",
		},
		EnvOverrides: make(map[string]bool),
	}
}

// Load reads configuration from defaults, .env files and the environment.
func Load() (*Config, error) {
	dataDir := "./data"
	if dir := os.Getenv("BILLING_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	pinned := make(map[string]bool)
	for _, kv := range os.Environ() {
		if key, _, ok := strings.Cut(kv, "="); ok {
			pinned[key] = true
		}
	}

	// Load .env file if it exists (for deployment overrides)
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}

	// Also try loading from current directory for development
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := Default(dataDir)
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	for key := range cfg.EnvOverrides {
		if !pinned[key] {
			delete(cfg.EnvOverrides, key)
			continue
		}
		log.Debug().Str("key", key).Msg("Setting overridden by environment")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []string

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
			c.EnvOverrides[key] = true
		}
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = d
		c.EnvOverrides[key] = true
	}
	boolean := func(key string, dst *bool) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = b
		c.EnvOverrides[key] = true
	}
	integer := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return
		}
		*dst = n
		c.EnvOverrides[key] = true
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOG_FILE", &c.LogFile)

	integer("QUEUE_CAPACITY", &c.QueueCapacity)
	dur("QUEUE_TIMEOUT", &c.QueueTimeout)
	dur("PURCHASE_TIMEOUT", &c.PurchaseTimeout)
	dur("CONNECT_TIMEOUT", &c.ConnectTimeout)
	boolean("CONNECT_ON_START", &c.ConnectOnStart)

	if origins := getenv("ALLOWED_ORIGINS"); strings.TrimSpace(origins) != "" {
		c.AllowedOrigins = splitList(origins)
		c.EnvOverrides["ALLOWED_ORIGINS"] = true
	}
	if v := strings.TrimSpace(getenv("CHANNEL_RATE")); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			c.ChannelRate = r
			c.EnvOverrides["CHANNEL_RATE"] = true
		} else {
			errs = append(errs, fmt.Sprintf("CHANNEL_RATE: %v", err))
		}
	}
	integer("CHANNEL_BURST", &c.ChannelBurst)

	str("SANDBOX_DB", &c.Sandbox.DBPath)
	str("SANDBOX_CATALOG", &c.Sandbox.CatalogPath)
	dur("SANDBOX_CONNECT_DELAY", &c.Sandbox.ConnectDelay)
	dur("SANDBOX_PURCHASE_DELAY", &c.Sandbox.PurchaseDelay)
	boolean("SANDBOX_FAIL_CONNECT", &c.Sandbox.FailConnect)
	boolean("SANDBOX_SUBSCRIPTIONS", &c.Sandbox.Subscriptions)
	str("SANDBOX_PURCHASE_OUTCOME", &c.Sandbox.PurchaseOutcome)

	str("EVENTS_BACKEND", &c.Events.Backend)
	str("NATS_URL", &c.Events.NATSURL)
	str("NATS_SUBJECT", &c.Events.NATSSubject)
	if brokers := getenv("KAFKA_BROKERS"); strings.TrimSpace(brokers) != "" {
		c.Events.KafkaBrokers = splitList(brokers)
		c.EnvOverrides["KAFKA_BROKERS"] = true
	}
	str("KAFKA_TOPIC", &c.Events.KafkaTopic)

	str("OTLP_ENDPOINT", &c.OTLPEndpoint)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// parseDuration accepts Go durations ("30s", "10m") and bare seconds ("30").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.MetricsAddr, err)
		}
	}

	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue capacity must not be negative")
	}
	if c.QueueTimeout < 0 || c.PurchaseTimeout < 0 || c.ConnectTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.ChannelRate <= 0 {
		return fmt.Errorf("channel rate must be positive")
	}
	if c.ChannelBurst < 1 {
		return fmt.Errorf("channel burst must be at least 1")
	}

	switch c.Sandbox.PurchaseOutcome {
	case OutcomeApprove, OutcomeCancel, OutcomeDecline:
	default:
		return fmt.Errorf("invalid sandbox purchase outcome %q", c.Sandbox.PurchaseOutcome)
	}

	switch c.Events.Backend {
	case EventsNone:
	case EventsNATS:
		if c.Events.NATSURL == "" || c.Events.NATSSubject == "" {
			return fmt.Errorf("nats events require NATS_URL and NATS_SUBJECT")
		}
	case EventsKafka:
		if len(c.Events.KafkaBrokers) == 0 || c.Events.KafkaTopic == "" {
			return fmt.Errorf("kafka events require KAFKA_BROKERS and KAFKA_TOPIC")
		}
	default:
		return fmt.Errorf("unknown events backend %q", c.Events.Backend)
	}

	return nil
}

// BillingConfig returns the session settings.
func (c *Config) BillingConfig() billing.Config {
	return billing.Config{
		QueueCapacity:   c.QueueCapacity,
		QueueTimeout:    c.QueueTimeout,
		PurchaseTimeout: c.PurchaseTimeout,
		ConnectTimeout:  c.ConnectTimeout,
		ConnectOnStart:  c.ConnectOnStart,
	}
}

// EventsOptions returns the purchase event publisher settings.
func (c *Config) EventsOptions() events.Options {
	return events.Options{
		Backend:      c.Events.Backend,
		NATSURL:      c.Events.NATSURL,
		NATSSubject:  c.Events.NATSSubject,
		KafkaBrokers: append([]string(nil), c.Events.KafkaBrokers...),
		KafkaTopic:   c.Events.KafkaTopic,
	}
}

// Origins returns the current origin allow-list.
func (c *Config) Origins() []string {
	Mu.RLock()
	defer Mu.RUnlock()
	return append([]string(nil), c.AllowedOrigins...)
}

// Level returns the current log level.
func (c *Config) Level() string {
	Mu.RLock()
	defer Mu.RUnlock()
	return c.LogLevel
}
