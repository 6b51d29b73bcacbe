// Package secrets resolves secret:// references against Google Secret Manager, with an
// in-process cache and a local file fallback for development.
package secrets

import (
	"context"
	"fmt"
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
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/storefront/api/internal/platform/secrets"

	sourceCache    = "cache"
	sourceRemote   = "remote"
	sourceFallback = "fallback"
	sourceError    = "error"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (accessClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references. It is safe for concurrent use.
type Fetcher struct {
	client     accessClient
	ownsClient bool
	logger     *zap.Logger
	clock      func() time.Time

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	cacheTTL       time.Duration

	fallback *fallbackFile
	group    singleflight.Group

	mu    sync.RWMutex
	cache map[string]cached

	resolves metric.Int64Counter
	latency  metric.Float64Histogram
}

type cached struct {
	value     string
	canonical string
	expiresAt time.Time
}

type settings struct {
	logger         *zap.Logger
	clock          func() time.Time
	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	fallbackPath   string
	cacheTTL       time.Duration
	meter          metric.Meter
	client         accessClient
	clientOpts     []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*settings)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithEnvironment selects the key used for per-environment project and version lookups.
func WithEnvironment(env string) Option {
	return func(s *settings) { s.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when the environment has no mapping.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.defaultProject = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment labels to Secret Manager projects.
func WithProjectMap(projects map[string]string) Option {
	return func(s *settings) { s.projects = cloneMap(projects) }
}

// WithVersionPins pins versions by canonical reference, optionally prefixed with "env:".
func WithVersionPins(pins map[string]string) Option {
	return func(s *settings) { s.pins = cloneMap(pins) }
}

// WithFallbackFile overrides the local fallback file path. An empty path disables it.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackPath = path }
}

// WithCacheTTL expires cached values so rotated secrets are picked up. Zero caches forever.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithClock overrides the time source used for cache expiry.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMeter injects the OpenTelemetry meter for resolve metrics.
func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

func withAccessClient(client accessClient) Option {
	return func(s *settings) { s.client = client }
}

// NewFetcher builds a Fetcher. When the Secret Manager client cannot be created the fetcher
// keeps working from the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{
		logger:       zap.NewNop(),
		clock:        time.Now,
		env:          defaultEnvironment,
		fallbackPath: defaultFallbackPath,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		logger:         s.logger,
		clock:          s.clock,
		env:            s.env,
		defaultProject: s.defaultProject,
		projects:       cloneMap(s.projects),
		pins:           cloneMap(s.pins),
		cacheTTL:       s.cacheTTL,
		fallback:       newFallbackFile(s.fallbackPath),
		cache:          make(map[string]cached),
	}

	var err error
	if f.resolves, err = s.meter.Int64Counter("storefront.secrets.resolves",
		metric.WithDescription("Secret resolutions by source")); err != nil {
		return nil, fmt.Errorf("secrets: register resolve counter: %w", err)
	}
	if f.latency, err = s.meter.Float64Histogram("storefront.secrets.resolve_latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolutions")); err != nil {
		return nil, fmt.Errorf("secrets: register latency histogram: %w", err)
	}

	if s.client != nil {
		f.client = s.client
		return f, nil
	}
	client, err := newSecretManagerClient(ctx, s.clientOpts...)
	if err != nil {
		f.logger.Warn("secret manager unavailable; using local fallback only", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f == nil || !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// Resolve returns the value for ref. Remote lookups that fail with a permission or availability
// error fall back to the local file; other errors, such as NotFound, are returned as is.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	started := f.clock()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.versionFor(ref)
	key := versionedKey(ref.canonical, version)

	if value, ok := f.cached(key); ok {
		f.observe(ctx, ref, sourceCache, started)
		return value, nil
	}

	result, err, _ := f.group.Do(key, func() (any, error) {
		value, source, err := f.load(ctx, ref, version)
		if err != nil {
			return nil, err
		}
		f.store(key, ref.canonical, value)
		return resolved{value: value, source: source}, nil
	})
	if err != nil {
		f.observe(ctx, ref, sourceError, started)
		return "", err
	}
	res := result.(resolved)
	f.observe(ctx, ref, res.source, started)
	return res.value, nil
}

// Invalidate drops every cached version of ref.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := parseReference(raw)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, entry := range f.cache {
		if entry.canonical == ref.canonical {
			delete(f.cache, key)
		}
	}
}

type resolved struct {
	value  string
	source string
}

func (f *Fetcher) load(ctx context.Context, ref reference, version string) (string, string, error) {
	project := f.projectFor(ref)
	if project != "" && f.client != nil {
		value, err := f.access(ctx, ref.resourceName(project, version))
		if err == nil {
			return value, sourceRemote, nil
		}
		if !fallbackEligible(err) {
			return "", "", fmt.Errorf("secrets: access %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secret manager lookup failed; trying local fallback",
			zap.String("secret", fingerprint(ref.canonical)),
			zap.Error(err),
		)
	}
	value, err := f.fallback.lookup(ref, version)
	if err != nil {
		return "", "", err
	}
	return value, sourceFallback, nil
}

func (f *Fetcher) access(ctx context.Context, name string) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	entry, ok := f.cache[key]
	f.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && !f.clock().Before(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, canonical, value string) {
	entry := cached{value: value, canonical: canonical}
	if f.cacheTTL > 0 {
		entry.expiresAt = f.clock().Add(f.cacheTTL)
	}
	f.mu.Lock()
	f.cache[key] = entry
	f.mu.Unlock()
}

func (f *Fetcher) projectFor(ref reference) string {
	if ref.project != "" {
		return ref.project
	}
	if project := strings.TrimSpace(f.projects[f.env]); project != "" {
		return project
	}
	return f.defaultProject
}

func (f *Fetcher) versionFor(ref reference) string {
	if ref.version != "" {
		return ref.version
	}
	for _, key := range []string{f.env + ":" + ref.canonical, ref.canonical} {
		if pin := strings.TrimSpace(f.pins[key]); pin != "" {
			return pin
		}
	}
	return latestVersion
}

func (f *Fetcher) observe(ctx context.Context, ref reference, source string, started time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("secret", fingerprint(ref.canonical)),
	)
	f.resolves.Add(ctx, 1, attrs)
	f.latency.Record(ctx, float64(f.clock().Sub(started))/float64(time.Millisecond), attrs)
}

func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
