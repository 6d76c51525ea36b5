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

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	firebase "firebase.google.com/go/v4"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/grocery-backoffice/api/internal/handlers"
	"github.com/grocery-backoffice/api/internal/platform/auth"
	"github.com/grocery-backoffice/api/internal/platform/cache"
	"github.com/grocery-backoffice/api/internal/platform/config"
	"github.com/grocery-backoffice/api/internal/platform/events"
	pfirestore "github.com/grocery-backoffice/api/internal/platform/firestore"
	"github.com/grocery-backoffice/api/internal/platform/idempotency"
	"github.com/grocery-backoffice/api/internal/platform/notify"
	"github.com/grocery-backoffice/api/internal/platform/observability"
	"github.com/grocery-backoffice/api/internal/platform/secrets"
	platformstorage "github.com/grocery-backoffice/api/internal/platform/storage"
	"github.com/grocery-backoffice/api/internal/repositories"
	firestorerepo "github.com/grocery-backoffice/api/internal/repositories/firestore"
	"github.com/grocery-backoffice/api/internal/repositories/memory"
	"github.com/grocery-backoffice/api/internal/resolver"
	"github.com/grocery-backoffice/api/internal/services"
)

const healthReportTTL = 5 * time.Second

type dataStores struct {
	products repositories.ProductRepository
	orders   repositories.OrderRepository
	items    repositories.OrderItemRepository
	client   *firestore.Client
}

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := services.BuildInfo{
		Version:     cfg.Server.Version,
		CommitSHA:   cfg.Server.CommitSHA,
		Environment: cfg.Server.Environment,
		StartedAt:   startedAt,
	}

	stores, closeStores, err := openDataStores(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise data store", zap.String("driver", cfg.DataStore.Driver), zap.Error(err))
	}
	defer closeStores(logger)

	var redisClient *cache.RedisClient
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient, err = cache.NewRedisClient(ctx, addr, cfg.Redis.Password, cfg.Redis.DB, logger.Named("redis"))
		if err != nil {
			logger.Warn("redis unavailable; fingerprint cache and shared rate limits disabled", zap.Error(err))
			redisClient = nil
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close error", zap.Error(err))
				}
			}()
		}
	}

	resolverDeps := resolver.Deps{
		Products:          stores.products,
		AlternateVariants: cfg.Resolver.AlternateVariants,
		PriceFallback:     cfg.Resolver.PriceFallback,
		Logger:            observability.EventLogger(baseLogger, "resolver"),
	}
	if redisClient != nil {
		resolverDeps.Cache = cache.NewFingerprintCache(redisClient, cfg.Redis.FingerprintCacheTTL)
	}
	productResolver, err := resolver.New(resolverDeps)
	if err != nil {
		logger.Fatal("failed to initialise resolver", zap.Error(err))
	}

	firebaseApp, err := newFirebaseApp(ctx, cfg)
	if err != nil {
		logger.Warn("firebase unavailable; staff routes and push notifications disabled", zap.Error(err))
	}

	notifier := services.OrderNotifier(notify.Noop{})
	if firebaseApp != nil && cfg.Notifications.Enabled {
		messagingClient, err := firebaseApp.Messaging(ctx)
		if err != nil {
			logger.Warn("fcm unavailable; push notifications disabled", zap.Error(err))
		} else if fcm, err := notify.NewFCMNotifier(messagingClient); err != nil {
			logger.Warn("fcm notifier init failed", zap.Error(err))
		} else {
			notifier = fcm
		}
	}

	var publisher services.OrderEventPublisher
	var pubsubClient *pubsub.Client
	if projectID := strings.TrimSpace(cfg.PubSub.ProjectID); projectID != "" && cfg.DataStore.Driver == config.DataStoreFirestore {
		pubsubClient, err = pubsub.NewClient(ctx, projectID)
		if err != nil {
			logger.Warn("pubsub unavailable; order events disabled", zap.Error(err))
		} else {
			topic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
			defer topic.Stop()
			if p, err := events.NewPubSubOrderPublisher(topic); err != nil {
				logger.Warn("order event publisher init failed", zap.Error(err))
			} else {
				publisher = p
			}
		}
	}
	if pubsubClient != nil {
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
	}

	var proofSigner services.ProofSigner
	if cfg.Storage.PaymentProofBucket != "" {
		signer, err := platformstorage.NewSigner(cfg.Storage.SignerEmail, cfg.Storage.SignerPrivateKey)
		if err != nil {
			logger.Warn("storage signer unavailable; payment proof uploads disabled", zap.Error(err))
		} else if client, err := platformstorage.NewClient(signer); err != nil {
			logger.Warn("signed url client init failed", zap.Error(err))
		} else {
			proofSigner = client
		}
	}

	catalogService, err := services.NewCatalogService(services.CatalogServiceDeps{
		Products: stores.products,
		Logger:   observability.EventLogger(baseLogger, "catalog"),
	})
	if err != nil {
		logger.Fatal("failed to initialise catalog service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:   stores.orders,
		Items:    stores.items,
		Resolver: productResolver,
		Notifier: notifier,
		Events:   publisher,
		Signer:   proofSigner,
		Proofs: services.PaymentProofConfig{
			Bucket:    cfg.Storage.PaymentProofBucket,
			UploadTTL: cfg.Storage.UploadURLTTL,
			MaxBytes:  cfg.Storage.MaxProofBytes,
		},
		ResolveConcurrency: cfg.Resolver.Concurrency,
		NotifyTimeout:      cfg.Notifications.Timeout,
		Logger:             observability.EventLogger(baseLogger, "orders"),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	systemService, err := newSystemService(stores.client, redisClient, fetcher, buildInfo, baseLogger)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	var authenticator *auth.Authenticator
	if firebaseApp != nil {
		verifier, err := auth.NewFirebaseVerifier(ctx, firebaseApp)
		if err != nil {
			logger.Warn("firebase auth unavailable; staff routes disabled", zap.Error(err))
		} else {
			authenticator = auth.NewAuthenticator(verifier)
		}
	}

	idemStore := newIdempotencyStore(stores.client)
	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	var cleanupWG sync.WaitGroup
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		idempotency.RunCleanup(cleanupCtx, idemStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	}()

	var limiter handlers.RateLimiter
	if redisClient != nil {
		limiter = cache.NewWindowCounter(redisClient, cfg.RateLimits.CreateOrderPerWindow, cfg.RateLimits.Window)
	} else {
		limiter = handlers.NewMemoryRateLimiter(cfg.RateLimits.CreateOrderPerWindow, cfg.RateLimits.Window, time.Now)
	}

	orderOpts := []handlers.OrderHandlerOption{
		handlers.WithCreateOrderMiddlewares(
			idempotency.Middleware(idemStore,
				idempotency.WithHeader(cfg.Idempotency.Header),
				idempotency.WithTTL(cfg.Idempotency.TTL),
				idempotency.WithScope(idempotency.DeviceScope),
				idempotency.WithLogger(logger.Named("idempotency")),
			),
			handlers.RateLimit(limiter, idempotency.DeviceScope),
		),
	}
	if authenticator != nil {
		orderOpts = append(orderOpts, handlers.WithOrderStaffAuth(authenticator))
	}
	orderHandlers := handlers.NewOrderHandlers(orderService, orderOpts...)
	catalogHandlers := handlers.NewCatalogHandlers(authenticator, catalogService)
	maintenanceHandlers := handlers.NewMaintenanceHandlers(catalogService)

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if systemService != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(systemService))
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RecoveryMiddleware(logger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithProductRoutes(catalogHandlers.PublicRoutes),
		handlers.WithAdminRoutes(catalogHandlers.AdminRoutes),
		handlers.WithInternalRoutes(maintenanceHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger, cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
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
		serverLogger.Info("grocery back-office api listening",
			zap.String("datastore", cfg.DataStore.Driver),
			zap.String("environment", cfg.Server.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	projectID := strings.TrimSpace(env["API_SECRETS_PROJECT_ID"])
	if projectID == "" {
		projectID = strings.TrimSpace(env["API_FIREBASE_PROJECT_ID"])
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithMeter(otel.Meter("github.com/grocery-backoffice/api/secrets")),
	}
	if projectID != "" {
		opts = append(opts, secrets.WithProject(projectID))
	}
	fallback := strings.TrimSpace(env["API_SECRETS_FALLBACK_FILE"])
	if fallback == "" {
		fallback = ".secrets.local"
	}
	opts = append(opts, secrets.WithFallbackFile(fallback))
	return secrets.NewFetcher(ctx, opts...)
}

func openDataStores(ctx context.Context, cfg config.Config) (dataStores, func(*zap.Logger), error) {
	if cfg.DataStore.Driver == config.DataStoreMemory {
		store := memory.NewStore()
		return dataStores{
			products: store.Products(),
			orders:   store.Orders(),
			items:    store.Items(),
		}, func(*zap.Logger) {}, nil
	}

	provider := pfirestore.NewProvider(cfg.Firestore)
	client, err := provider.Client(ctx)
	if err != nil {
		return dataStores{}, nil, err
	}
	closeFn := func(logger *zap.Logger) {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}

	products, err := firestorerepo.NewProductRepository(provider)
	if err != nil {
		return dataStores{}, closeFn, err
	}
	orders, err := firestorerepo.NewOrderRepository(provider)
	if err != nil {
		return dataStores{}, closeFn, err
	}
	items, err := firestorerepo.NewOrderItemRepository(provider)
	if err != nil {
		return dataStores{}, closeFn, err
	}
	return dataStores{
		products: products,
		orders:   orders,
		items:    items,
		client:   client,
	}, closeFn, nil
}

func newFirebaseApp(ctx context.Context, cfg config.Config) (*firebase.App, error) {
	if strings.TrimSpace(cfg.Firebase.ProjectID) == "" {
		return nil, errors.New("firebase project id not configured")
	}
	return auth.NewFirebaseApp(ctx, cfg.Firebase)
}

func newIdempotencyStore(client *firestore.Client) idempotency.Store {
	if client == nil {
		return idempotency.NewMemoryStore()
	}
	return idempotency.NewFirestoreStore(client, "")
}

func newSystemService(client *firestore.Client, redisClient *cache.RedisClient, fetcher *secrets.Fetcher, build services.BuildInfo, logger *zap.Logger) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				_, err := c.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check:   redisClient.Ping,
		})
	}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check:   fetcher.Ping,
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		Health:    repo,
		Build:     build,
		ReportTTL: healthReportTTL,
		Clock:     time.Now,
		Logger:    observability.EventLogger(logger, "system"),
	})
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	keys := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(keys, auth.WithOIDCLogger(logger.Named("oidc")))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firebase.ProjectID)
}
