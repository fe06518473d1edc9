package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultEnvironment          = "local"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultDatabaseMaxConns     = 25
	defaultDatabaseMinConns     = 5
	defaultTxAttempts           = 5
	defaultTxTimeout            = 15 * time.Second
	defaultKafkaTopic           = "orders.events"
	defaultPubSubTopic          = "order-events"
	defaultOutboxPollInterval   = 2 * time.Second
	defaultOutboxBatchSize      = 100
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultOrderCreatePerMinute = 30
	defaultSecretFallbackFile   = ".secrets.local"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Event sinks.
const (
	EventSinkNone   = "none"
	EventSinkKafka  = "kafka"
	EventSinkPubSub = "pubsub"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment   string
	Server        ServerConfig
	Store         StoreConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Events        EventsConfig
	Idempotency   IdempotencyConfig
	RateLimits    RateLimitConfig
	Secrets       SecretsConfig
	Observability ObservabilityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string
}

// DatabaseConfig stores Postgres connection and transaction parameters.
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	TxAttempts  int
	TxTimeout   time.Duration
	AutoMigrate bool
}

// RedisConfig enables the shared idempotency store when URL is set.
type RedisConfig struct {
	URL string
}

// EventsConfig controls how outbox events leave the service.
type EventsConfig struct {
	Sink               string
	KafkaBrokers       []string
	KafkaTopic         string
	PubSubProjectID    string
	PubSubTopic        string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	OrderCreatePerMinute int
}

// SecretsConfig points the secret fetcher at a default project and a local fallback file.
type SecretsConfig struct {
	DefaultProjectID string
	FallbackFile     string
}

// ObservabilityConfig groups tracing and metrics settings.
type ObservabilityConfig struct {
	ProjectID      string
	MetricsEnabled bool
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts...)

	env, err := newEnvSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment: strings.ToLower(env.str("API_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(env.str("API_STORE_DRIVER", StoreDriverPostgres)),
		},
		Database: DatabaseConfig{
			URL:         env.str("API_DATABASE_URL", ""),
			MaxConns:    env.integer("API_DATABASE_MAX_CONNS", defaultDatabaseMaxConns),
			MinConns:    env.integer("API_DATABASE_MIN_CONNS", defaultDatabaseMinConns),
			TxAttempts:  env.integer("API_DATABASE_TX_ATTEMPTS", defaultTxAttempts),
			TxTimeout:   env.duration("API_DATABASE_TX_TIMEOUT", defaultTxTimeout),
			AutoMigrate: env.boolean("API_DATABASE_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL: env.str("API_REDIS_URL", ""),
		},
		Events: EventsConfig{
			Sink:               strings.ToLower(env.str("API_EVENTS_SINK", EventSinkNone)),
			KafkaBrokers:       env.csv("API_KAFKA_BROKERS"),
			KafkaTopic:         env.str("API_KAFKA_TOPIC", defaultKafkaTopic),
			PubSubProjectID:    env.str("API_PUBSUB_PROJECT_ID", ""),
			PubSubTopic:        env.str("API_PUBSUB_TOPIC", defaultPubSubTopic),
			OutboxPollInterval: env.duration("API_OUTBOX_POLL_INTERVAL", defaultOutboxPollInterval),
			OutboxBatchSize:    env.integer("API_OUTBOX_BATCH_SIZE", defaultOutboxBatchSize),
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		RateLimits: RateLimitConfig{
			OrderCreatePerMinute: env.integer("API_RATE_LIMIT_ORDER_CREATE_PER_MINUTE", defaultOrderCreatePerMinute),
		},
		Secrets: SecretsConfig{
			DefaultProjectID: env.str("API_SECRET_DEFAULT_PROJECT_ID", ""),
			FallbackFile:     env.str("API_SECRET_FALLBACK_FILE", defaultSecretFallbackFile),
		},
		Observability: ObservabilityConfig{
			ProjectID:      env.str("API_OBSERVABILITY_PROJECT_ID", ""),
			MetricsEnabled: env.boolean("API_METRICS_ENABLED", true),
		},
	}

	if cfg.Events.PubSubProjectID == "" {
		cfg.Events.PubSubProjectID = cfg.Observability.ProjectID
	}
	if cfg.Secrets.DefaultProjectID == "" {
		cfg.Secrets.DefaultProjectID = cfg.Observability.ProjectID
	}

	secrets := newSecretSet(options.secret)
	for _, target := range []struct {
		name  string
		field *string
	}{
		{"Database.URL", &cfg.Database.URL},
		{"Redis.URL", &cfg.Redis.URL},
	} {
		if err := secrets.resolve(ctx, target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := secrets.missing(options.requiredSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

func validateConfig(cfg Config) error {
	var invalid []string
	check := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Store.Driver == StoreDriverPostgres || cfg.Store.Driver == StoreDriverMemory, "Store.Driver")
	if cfg.Store.Driver == StoreDriverPostgres {
		check(strings.TrimSpace(cfg.Database.URL) != "", "Database.URL")
		check(cfg.Database.MaxConns > 0, "Database.MaxConns")
		check(cfg.Database.MinConns >= 0 && cfg.Database.MinConns <= cfg.Database.MaxConns, "Database.MinConns")
		check(cfg.Database.TxAttempts > 0, "Database.TxAttempts")
	}

	switch cfg.Events.Sink {
	case EventSinkNone:
	case EventSinkKafka:
		check(len(cfg.Events.KafkaBrokers) > 0, "Events.KafkaBrokers")
		check(cfg.Events.KafkaTopic != "", "Events.KafkaTopic")
	case EventSinkPubSub:
		check(cfg.Events.PubSubProjectID != "", "Events.PubSubProjectID")
		check(cfg.Events.PubSubTopic != "", "Events.PubSubTopic")
	default:
		check(false, "Events.Sink")
	}
	if cfg.Events.Sink != EventSinkNone {
		check(cfg.Events.OutboxPollInterval > 0, "Events.OutboxPollInterval")
		check(cfg.Events.OutboxBatchSize > 0, "Events.OutboxBatchSize")
	}

	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")
	check(cfg.RateLimits.OrderCreatePerMinute >= 0, "RateLimits.OrderCreatePerMinute")

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}
