package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/commerce/internal/di"
	"github.com/hanko-field/commerce/internal/handlers"
	"github.com/hanko-field/commerce/internal/platform/config"
	"github.com/hanko-field/commerce/internal/platform/idempotency"
	"github.com/hanko-field/commerce/internal/platform/observability"
	"github.com/hanko-field/commerce/internal/platform/secrets"
	"github.com/hanko-field/commerce/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger),
		di.WithBuildInfo(buildInfo),
	)
	if err != nil {
		logger.Fatal("failed to initialise dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		container.Cleaner.Run(workerCtx)
	}()
	if container.Relay != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			_ = container.Relay.Run(workerCtx)
		}()
	}

	router := newRouter(cfg, container, logger, buildInfo)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("commerce api listening", zap.String("store", cfg.Store.Driver), zap.String("events", cfg.Events.Sink))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	workerCancel()
	workers.Wait()
}

func newRouter(cfg config.Config, container *di.Container, logger *zap.Logger, build services.BuildInfo) http.Handler {
	projectID := strings.TrimSpace(cfg.Observability.ProjectID)
	httpLogger := logger.Named("http")

	middlewares := []func(http.Handler) http.Handler{
		observability.CallerIdentityMiddleware(observability.DefaultUserHeader),
		observability.InjectLoggerMiddleware(httpLogger),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(httpLogger),
		observability.RequestLoggerMiddleware(projectID),
	}
	if cfg.Observability.MetricsEnabled {
		middlewares = append(middlewares, container.Metrics.Middleware)
	}

	idempotencyMiddleware := idempotency.Middleware(
		container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	orderHandlers := handlers.NewOrderHandlers(
		container.Services.Orders,
		handlers.WithCreateRateLimit(cfg.RateLimits.OrderCreatePerMinute),
	)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(build),
		handlers.WithHealthSystemService(container.Services.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithOrderMiddlewares(idempotencyMiddleware),
	}
	if cfg.Observability.MetricsEnabled {
		opts = append(opts, handlers.WithMetricsHandler(container.Metrics.Handler()))
	}
	return handlers.NewRouter(opts...)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_OBSERVABILITY_PROJECT_ID")
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(defaultProject),
	}
	if fallback := lookup("API_SECRET_FALLBACK_FILE"); fallback != "" {
		opts = append(opts, secrets.WithFallbackFile(fallback))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists config fields that must resolve when they hold a secret reference.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if secrets.IsReference(env["API_DATABASE_URL"]) {
		required = append(required, "Database.URL")
	}
	if secrets.IsReference(env["API_REDIS_URL"]) {
		required = append(required, "Redis.URL")
	}
	return required
}
