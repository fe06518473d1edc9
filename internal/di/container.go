package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/hanko-field/commerce/internal/platform/config"
	"github.com/hanko-field/commerce/internal/platform/idempotency"
	"github.com/hanko-field/commerce/internal/platform/jobs"
	"github.com/hanko-field/commerce/internal/platform/observability"
	pgplatform "github.com/hanko-field/commerce/internal/platform/postgres"
	"github.com/hanko-field/commerce/internal/repositories"
	"github.com/hanko-field/commerce/internal/repositories/memory"
	pgrepo "github.com/hanko-field/commerce/internal/repositories/postgres"
	"github.com/hanko-field/commerce/internal/services"
)

const dependencyTimeout = 2 * time.Second

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders services.OrderService
	System services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Logger       *zap.Logger
	Repositories repositories.Registry
	Services     Services
	Metrics      *observability.Metrics
	Idempotency  idempotency.Store

	// Relay is nil when no events sink is configured.
	Relay   *jobs.OutboxRelay
	Cleaner *idempotency.Cleaner

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*containerOptions)

type containerOptions struct {
	logger      *zap.Logger
	registry    repositories.Registry
	publisher   jobs.EventPublisher
	idempotency idempotency.Store
	build       services.BuildInfo
	clock       func() time.Time
}

// WithLogger sets the base logger shared by services and workers.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

// WithRegistry injects a repository registry instead of building one from the store driver.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) { o.registry = reg }
}

// WithPublisher injects the outbox publisher instead of building one from the events sink.
func WithPublisher(publisher jobs.EventPublisher) Option {
	return func(o *containerOptions) { o.publisher = publisher }
}

// WithIdempotencyStore injects the idempotency store instead of building one from the Redis URL.
func WithIdempotencyStore(store idempotency.Store) Option {
	return func(o *containerOptions) { o.idempotency = store }
}

// WithBuildInfo sets the build metadata reported by health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) { o.build = build }
}

func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) { o.clock = clock }
}

// NewContainer constructs the runtime dependencies. Resources acquired before a failure are
// released before returning.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (c *Container, err error) {
	o := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	c = &Container{Config: cfg, Logger: o.logger, Metrics: observability.NewMetrics()}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
			c = nil
		}
	}()

	var checks []repositories.DependencyCheck

	store := o.idempotency
	if store == nil {
		store, checks, err = c.buildIdempotencyStore(cfg, checks)
		if err != nil {
			return c, err
		}
	}
	c.Idempotency = store
	c.Cleaner = idempotency.NewCleaner(store, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, o.logger.Named("idempotency"))

	publisher := o.publisher
	if publisher == nil {
		publisher, checks, err = c.buildPublisher(ctx, cfg, checks)
		if err != nil {
			return c, err
		}
	}

	var health repositories.HealthRepository
	reg := o.registry
	if reg == nil {
		reg, health, err = buildRegistry(ctx, cfg, checks)
		if err != nil {
			return c, err
		}
	} else {
		health, err = injectedRegistryHealth(reg, checks)
		if err != nil {
			return c, err
		}
	}
	c.Repositories = reg
	c.closers = append(c.closers, reg.Close)

	c.Services, err = buildServices(reg, health, c.Metrics, o)
	if err != nil {
		return c, err
	}

	if publisher != nil {
		c.Relay, err = jobs.NewOutboxRelay(jobs.OutboxRelayDeps{
			Outbox:    reg.Outbox(),
			Publisher: publisher,
			Interval:  cfg.Events.OutboxPollInterval,
			BatchSize: cfg.Events.OutboxBatchSize,
			Clock:     o.clock,
			Logger:    o.logger.Named("outbox"),
			Metrics:   c.Metrics,
		})
		if err != nil {
			return c, fmt.Errorf("build outbox relay: %w", err)
		}
	}

	return c, nil
}

func (c *Container) buildIdempotencyStore(cfg config.Config, checks []repositories.DependencyCheck) (idempotency.Store, []repositories.DependencyCheck, error) {
	url := strings.TrimSpace(cfg.Redis.URL)
	if url == "" {
		return idempotency.NewMemoryStore(), checks, nil
	}
	store, err := idempotency.NewRedisStoreFromURL(url)
	if err != nil {
		return nil, checks, fmt.Errorf("build redis idempotency store: %w", err)
	}
	c.closers = append(c.closers, func(context.Context) error { return store.Close() })
	checks = append(checks, repositories.DependencyCheck{Name: "redis", Check: store.Ping})
	return store, checks, nil
}

func (c *Container) buildPublisher(ctx context.Context, cfg config.Config, checks []repositories.DependencyCheck) (jobs.EventPublisher, []repositories.DependencyCheck, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Events.Sink)) {
	case "", config.EventSinkNone:
		return nil, checks, nil
	case config.EventSinkKafka:
		publisher, err := jobs.NewKafkaOrderEventPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, c.Logger.Named("kafka"))
		if err != nil {
			return nil, checks, err
		}
		c.closers = append(c.closers, func(context.Context) error { return publisher.Close() })
		checks = append(checks, repositories.DependencyCheck{Name: "kafka", Check: publisher.Ping})
		return publisher, checks, nil
	case config.EventSinkPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSubProjectID)
		if err != nil {
			return nil, checks, fmt.Errorf("build pubsub client: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
		topic := client.Topic(cfg.Events.PubSubTopic)
		topic.EnableMessageOrdering = true
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			return nil, checks, err
		}
		c.closers = append(c.closers, func(context.Context) error { return publisher.Close() })
		return publisher, checks, nil
	default:
		return nil, checks, fmt.Errorf("unsupported events sink %q", cfg.Events.Sink)
	}
}

func buildRegistry(ctx context.Context, cfg config.Config, checks []repositories.DependencyCheck) (repositories.Registry, repositories.HealthRepository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case config.StoreDriverMemory:
		checks = append([]repositories.DependencyCheck{{Name: "memory", Check: func(context.Context) error { return nil }}}, checks...)
		health, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyTimeout(dependencyTimeout))
		if err != nil {
			return nil, nil, fmt.Errorf("build health repository: %w", err)
		}
		return memory.NewStore(), health, nil
	case "", config.StoreDriverPostgres:
		provider := pgplatform.NewProvider(cfg.Database)
		if cfg.Database.AutoMigrate {
			if err := pgrepo.Migrate(ctx, provider); err != nil {
				_ = provider.Close(ctx)
				return nil, nil, fmt.Errorf("migrate postgres schema: %w", err)
			}
		}
		checks = append([]repositories.DependencyCheck{{Name: "postgres", Check: provider.Ping}}, checks...)
		health, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyTimeout(dependencyTimeout))
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, fmt.Errorf("build health repository: %w", err)
		}
		reg, err := pgrepo.NewRegistry(provider, health)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, err
		}
		return reg, health, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// injectedRegistryHealth prefers the registry's own probes unless other dependencies need checking.
func injectedRegistryHealth(reg repositories.Registry, checks []repositories.DependencyCheck) (repositories.HealthRepository, error) {
	if own := reg.Health(); own != nil && len(checks) == 0 {
		return own, nil
	}
	if len(checks) == 0 {
		checks = []repositories.DependencyCheck{{Name: "store", Check: func(context.Context) error { return nil }}}
	}
	health, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyTimeout(dependencyTimeout))
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	return health, nil
}

func buildServices(reg repositories.Registry, health repositories.HealthRepository, metrics services.OrderMetrics, o containerOptions) (Services, error) {
	var svc Services

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Users:      reg.Users(),
		Products:   reg.Products(),
		Orders:     reg.Orders(),
		Outbox:     reg.Outbox(),
		UnitOfWork: reg,
		Metrics:    metrics,
		Clock:      o.clock,
		Logger:     observability.EventLogger(o.logger),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	build := o.build
	if build.StartedAt.IsZero() {
		build.StartedAt = o.clock().UTC()
	}
	systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Clock:            o.clock,
		Build:            build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = systemSvc

	return svc, nil
}

// Close releases clients in reverse acquisition order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
