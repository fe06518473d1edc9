package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 5 * time.Minute
	defaultFetchTimeout = 5 * time.Second
	latestVersion       = "latest"
	meterName           = "github.com/hanko-field/commerce/internal/platform/secrets"
)

const (
	sourceCache    = "cache"
	sourceRemote   = "remote"
	sourceFallback = "fallback"
)

// ErrNotFound is returned when neither Secret Manager nor the fallback file holds the reference.
var ErrNotFound = errors.New("secrets: secret not found")

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references through a TTL cache, Google Secret Manager and a local fallback file.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	clock      func() time.Time

	defaultProject string
	cacheTTL       time.Duration
	fetchTimeout   time.Duration
	callOptions    []gax.CallOption

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]cacheEntry

	latency metric.Float64Histogram
	results metric.Int64Counter
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

type fetcherConfig struct {
	logger       *zap.Logger
	clock        func() time.Time
	project      string
	fallbackPath string
	cacheTTL     time.Duration
	fetchTimeout time.Duration
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithDefaultProject sets the project used by references that do not name one.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.project = strings.TrimSpace(projectID) }
}

// WithFallbackFile overrides the local fallback file. An empty path disables it.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long resolved values are served from memory.
func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) { cfg.cacheTTL = ttl }
}

// WithFetchTimeout bounds a single Secret Manager call including retries.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(cfg *fetcherConfig) { cfg.fetchTimeout = timeout }
}

func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a preconfigured client. The fetcher does not close it.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards options used when the fetcher dials Secret Manager itself.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

func withClock(clock func() time.Time) Option {
	return func(cfg *fetcherConfig) { cfg.clock = clock }
}

// NewFetcher builds a Fetcher. When Secret Manager cannot be dialled the fetcher serves the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		clock:        time.Now,
		fallbackPath: defaultFallbackPath,
		cacheTTL:     defaultCacheTTL,
		fetchTimeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	if cfg.fetchTimeout <= 0 {
		cfg.fetchTimeout = defaultFetchTimeout
	}
	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	latency, err := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution by source"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: register latency histogram: %w", err)
	}
	results, err := meter.Int64Counter(
		"secrets.fetch.results",
		metric.WithDescription("Secret resolutions by source and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: register result counter: %w", err)
	}

	f := &Fetcher{
		client:         cfg.client,
		logger:         cfg.logger,
		clock:          cfg.clock,
		defaultProject: cfg.project,
		cacheTTL:       cfg.cacheTTL,
		fetchTimeout:   cfg.fetchTimeout,
		callOptions:    []gax.CallOption{gax.WithRetry(newRetryer)},
		fallbackPath:   cfg.fallbackPath,
		cache:          make(map[string]cacheEntry),
		latency:        latency,
		results:        results,
	}

	if f.client == nil {
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, serving fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

func newRetryer() gax.Retryer {
	return gax.OnCodes([]codes.Code{codes.Unavailable, codes.ResourceExhausted, codes.Aborted}, gax.Backoff{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	})
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the plaintext for ref. Values are cached for the configured TTL.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := f.clock()
	parsed, err := ParseReference(ref)
	if err != nil {
		return "", err
	}
	resource := parsed.resourceName(f.defaultProject)
	cacheKey := parsed.key()
	if resource != "" {
		cacheKey = resource
	}

	if value, ok := f.cached(cacheKey, start); ok {
		f.record(ctx, start, sourceCache, nil)
		return value, nil
	}

	if resource != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, resource)
		if err == nil {
			f.store(cacheKey, value, start)
			f.record(ctx, start, sourceRemote, nil)
			return value, nil
		}
		if !isFallbackError(err) {
			f.record(ctx, start, sourceRemote, err)
			return "", fmt.Errorf("secrets: fetch %s: %w", parsed.key(), err)
		}
		f.logger.Debug("secrets: falling back to local file", zap.String("ref", parsed.key()), zap.Error(err))
	}

	value, err := f.lookupFallback(parsed)
	if err != nil {
		f.record(ctx, start, sourceFallback, err)
		return "", err
	}
	f.store(cacheKey, value, start)
	f.record(ctx, start, sourceFallback, nil)
	return value, nil
}

// Invalidate drops every cached value so the next Resolve fetches again.
func (f *Fetcher) Invalidate() {
	f.mu.Lock()
	f.cache = make(map[string]cacheEntry)
	f.mu.Unlock()
}

func (f *Fetcher) cached(key string, now time.Time) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok || !now.Before(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string, now time.Time) {
	if f.cacheTTL <= 0 {
		return
	}
	f.mu.Lock()
	f.cache[key] = cacheEntry{value: value, expiresAt: now.Add(f.cacheTTL)}
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, resource string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource}, f.callOptions...)
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) lookupFallback(ref Reference) (string, error) {
	f.fallbackOnce.Do(func() {
		f.fallback, f.fallbackErr = loadFallbackFile(f.fallbackPath)
	})
	if f.fallbackErr != nil {
		return "", f.fallbackErr
	}
	for _, candidate := range []string{ref.key(), ref.versionlessKey()} {
		if value, ok := f.fallback[candidate]; ok {
			return value, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref.key())
}

func (f *Fetcher) record(ctx context.Context, start time.Time, source string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = strings.ToLower(status.Code(err).String())
	}
	attrs := metric.WithAttributes(attribute.String("source", source), attribute.String("result", result))
	f.latency.Record(ctx, float64(f.clock().Sub(start))/float64(time.Millisecond), attrs)
	f.results.Add(ctx, 1, attrs)
}

// loadFallbackFile reads `ref=value` lines. A missing file yields an empty set.
func loadFallbackFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	if path == "" {
		return values, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: open fallback file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if !strings.Contains(name, "://") {
			name = schemeSecret + name
		}
		ref, err := ParseReference(name)
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		values[ref.key()] = value
		if !strings.Contains(name, "@") && !strings.Contains(name, "/versions/") {
			values[ref.versionlessKey()] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: read fallback file: %w", err)
	}
	return values, nil
}

func isFallbackError(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
