package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/polarkit/internal/config"
	"github.com/mihaimyh/polarkit/pkg/api"
	"github.com/mihaimyh/polarkit/pkg/billing"
	zerologadapter "github.com/mihaimyh/polarkit/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/polarkit/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/polarkit/pkg/billing/polar"
	stripeprovider "github.com/mihaimyh/polarkit/pkg/billing/stripe"
	"github.com/mihaimyh/polarkit/pkg/billing/webhook"
	"github.com/mihaimyh/polarkit/storage/firestore"
	"github.com/mihaimyh/polarkit/storage/memory"
	"github.com/mihaimyh/polarkit/storage/postgres"
	"github.com/mihaimyh/polarkit/storage/redis"
	"github.com/mihaimyh/polarkit/storage/tiered"
)

const (
	metricsNamespace    = "polarkit"
	breakerResetTimeout = 30 * time.Second
)

// app is the assembled server: provider, receipt store, ingestor and router.
type app struct {
	router   *gin.Engine
	ingestor *webhook.Ingestor
	catalog  *billing.CachingProvider
	closers  []func() error
}

// appOption adjusts how newApp assembles the server.
type appOption func(*appOptions)

type appOptions struct {
	provider billing.Provider
}

// withProvider uses p instead of the provider named in the config.
func withProvider(p billing.Provider) appOption {
	return func(o *appOptions) { o.provider = p }
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...appOption) (*app, error) {
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &app{}
	blog := zerologadapter.NewLogger(logger)

	var metrics billing.Metrics = &billing.NoopMetrics{}
	var registry *prometheus.Registry
	var prom *prommetrics.Metrics
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		prom = prommetrics.NewMetrics(registry, metricsNamespace)
		metrics = prom
	}

	provider := o.provider
	if provider == nil {
		var err error
		provider, err = newProvider(cfg, metrics, blog)
		if err != nil {
			return nil, err
		}
	}
	breaker := billing.NewCircuitBreaker(cfg.BreakerThreshold, breakerResetTimeout, func(state billing.CircuitBreakerState) {
		logger.Warn().Str("provider", provider.Name()).Str("state", string(state)).Msg("provider circuit breaker changed state")
		if prom != nil {
			prom.SetBreakerState(provider.Name(), state)
		}
	})
	if prom != nil {
		prom.SetBreakerState(provider.Name(), breaker.State())
	}
	a.catalog = billing.NewCachingProvider(billing.NewGuardedProvider(provider, breaker), billing.CacheConfig{
		ProductTTL: cfg.CacheTTL,
	})

	receipts, err := a.openReceiptStore(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("webhook verifier: %w", err)
	}
	a.ingestor, err = webhook.NewIngestor(webhook.Config{
		Verifier:       verifier,
		Provider:       cfg.Provider,
		Handler:        newEventMux(a.catalog, logger),
		Receipts:       receipts,
		ReceiptTTL:     cfg.ReceiptTTL,
		RateLimit:      cfg.WebhookRateLimit,
		TrustedProxies: cfg.TrustedProxies,
		Metrics:        metrics,
		Logger:         blog,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	storefront, err := api.NewHandler(api.Config{
		Provider:        a.catalog,
		SuccessURL:      cfg.SuccessURL,
		PortalReturnURL: cfg.PortalReturnURL,
		ExposeErrors:    cfg.ExposeErrors,
		Logger:          blog,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.router, err = newRouter(routerConfig{
		logger:         logger,
		storefront:     storefront,
		webhook:        a.ingestor.Handler(),
		webhookPath:    cfg.WebhookPath,
		registry:       registry,
		trustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases receipt store connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// newVerifier checks Stripe-Signature for the stripe provider and Standard
// Webhooks signatures otherwise.
func newVerifier(cfg *config.Config) (webhook.Verifier, error) {
	if cfg.Provider == "stripe" {
		return stripeprovider.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
	}
	opts := []webhook.VerifierOption{webhook.WithTolerance(cfg.WebhookTolerance)}
	if cfg.SecretEncoded {
		opts = append(opts, webhook.WithEncodedSecret())
	}
	return webhook.NewSignatureVerifier(cfg.WebhookSecret, opts...)
}

func newProvider(cfg *config.Config, metrics billing.Metrics, logger billing.Logger) (billing.Provider, error) {
	bcfg := billing.Config{
		AccessToken: cfg.AccessToken(),
		Mode:        cfg.Mode,
		ServerURL:   cfg.ServerURL,
		Metrics:     metrics,
		Logger:      logger,
	}
	switch cfg.Provider {
	case "stripe":
		return stripeprovider.NewProvider(bcfg)
	case "polar":
		return polar.NewProvider(bcfg)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownProvider, cfg.Provider)
	}
}

// openReceiptStore returns nil when deduplication is disabled.
func (a *app) openReceiptStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (webhook.ReceiptStore, error) {
	switch cfg.ReceiptStore {
	case config.StoreNone:
		return nil, nil
	case config.StoreMemory, "":
		return memory.New(), nil
	case config.StoreTiered:
		cold, err := a.openDurableStore(ctx, cfg, durableKind(cfg))
		if err != nil {
			return nil, err
		}
		store, err := tiered.New(tiered.Config{
			Hot:  memory.New(),
			Cold: cold,
			ErrorHandler: func(err error) {
				logger.Warn().Err(err).Msg("hot receipt store operation failed")
			},
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return a.openDurableStore(ctx, cfg, cfg.ReceiptStore)
	}
}

// durableKind picks the cold tier for the tiered store from whichever
// connection setting is present.
func durableKind(cfg *config.Config) string {
	switch {
	case cfg.RedisURL != "":
		return config.StoreRedis
	case cfg.DatabaseURL != "":
		return config.StorePostgres
	default:
		return config.StoreFirestore
	}
}

func (a *app) openDurableStore(ctx context.Context, cfg *config.Config, kind string) (webhook.ReceiptStore, error) {
	switch kind {
	case config.StoreRedis:
		store, err := redis.NewFromURL(cfg.RedisURL, redis.DefaultConfig())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("redis receipt store: %w", err)
		}
		return store, nil

	case config.StorePostgres:
		pcfg := postgres.DefaultConfig()
		pcfg.ConnectionString = cfg.DatabaseURL
		store, err := postgres.New(ctx, pcfg)
		if err != nil {
			return nil, fmt.Errorf("postgres receipt store: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		return store, nil

	case config.StoreFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return firestore.New(client, firestore.Config{})

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownStore, kind)
	}
}

type routerConfig struct {
	logger      zerolog.Logger
	storefront  *api.Handler
	webhook     http.Handler
	webhookPath string
	registry    *prometheus.Registry

	trustedProxies []string
}

func newRouter(rc routerConfig) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	// Without trusted proxies gin reports RemoteAddr as the client IP.
	if err := r.SetTrustedProxies(rc.trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery(), requestLogger(rc.logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if rc.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(rc.registry, promhttp.HandlerOpts{})))
	}

	r.GET("/", gin.WrapF(rc.storefront.Index))
	r.GET("/products", gin.WrapF(rc.storefront.Products))
	r.GET("/checkout", gin.WrapF(rc.storefront.Checkout))
	r.GET("/portal", gin.WrapF(rc.storefront.Portal))

	// The ingestion handler answers non-POST methods itself with 405.
	r.Any(rc.webhookPath, gin.WrapH(rc.webhook))

	r.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "404 page not found")
	})
	return r, nil
}
