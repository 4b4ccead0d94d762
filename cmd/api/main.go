package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/storefront/orderflow/internal/di"
	"github.com/storefront/orderflow/internal/handlers"
	"github.com/storefront/orderflow/internal/payments"
	"github.com/storefront/orderflow/internal/platform/auth"
	"github.com/storefront/orderflow/internal/platform/config"
	pfirestore "github.com/storefront/orderflow/internal/platform/firestore"
	"github.com/storefront/orderflow/internal/platform/idempotency"
	"github.com/storefront/orderflow/internal/platform/jobs"
	"github.com/storefront/orderflow/internal/platform/observability"
	"github.com/storefront/orderflow/internal/platform/secrets"
	platformstorage "github.com/storefront/orderflow/internal/platform/storage"
	"github.com/storefront/orderflow/internal/repositories"
	firestoreRepo "github.com/storefront/orderflow/internal/repositories/firestore"
	"github.com/storefront/orderflow/internal/repositories/memory"
	redisRepo "github.com/storefront/orderflow/internal/repositories/redis"
	"github.com/storefront/orderflow/internal/services"
)

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
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	metrics := observability.NewMetrics(otel.Meter("github.com/storefront/orderflow"), logger.Named("metrics"))

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	var firestoreProvider *pfirestore.Provider
	if cfg.Datastore.Backend == config.BackendFirestore {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore, pfirestore.WithClientOptions(clientOptions(cfg)...))
		if _, err := firestoreProvider.Client(ctx); err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
	}

	registry, err := newRegistry(cfg, firestoreProvider, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	publisher, stopPublisher, err := newOrderPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise pubsub publisher", zap.Error(err))
	}
	defer stopPublisher()

	var archive services.WebhookArchiver
	if bucket := strings.TrimSpace(cfg.Storage.WebhookArchiveBucket); bucket != "" {
		writer, err := platformstorage.NewGCSWriter(ctx, clientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		webhookArchive, err := platformstorage.NewWebhookArchive(writer, bucket)
		if err != nil {
			logger.Fatal("failed to initialise webhook archive", zap.Error(err))
		}
		archive = webhookArchive
	}

	paymentManager, err := newPaymentManager(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment providers", zap.Error(err))
	}

	deps := di.Dependencies{
		Payments: paymentManager,
		Archive:  archive,
		Metrics:  metrics,
		Logger:   logger,
	}
	if publisher != nil {
		deps.Events = publisher
	}
	container, err := di.NewContainer(ctx, cfg, registry, deps)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	idempotencyStore, err := newIdempotencyStore(cfg, firestoreProvider, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			idempotency.Cleaner(backgroundCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
		}()
	}
	if cfg.Jobs.Enabled && cfg.Jobs.Interval > 0 {
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			runJobs(backgroundCtx, svc.Jobs, cfg.Jobs.Interval, cfg.Jobs.BatchSize, logger.Named("jobs"))
		}()
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)
	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)

	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout,
		handlers.WithCheckoutRateLimit(cfg.Server.CheckoutRateLimit, cfg.Server.CheckoutRateWindow, time.Now),
		handlers.WithCheckoutMiddlewares(idempotencyMiddleware),
	)
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, svc.Checkout)
	adminHandlers := handlers.NewAdminOrderHandlers(handlers.AdminOrderHandlersDeps{
		Authenticator: authenticator,
		Lifecycle:     svc.Lifecycle,
		Approvals:     svc.Approvals,
		Queries:       svc.Orders,
		Inventory:     svc.Inventory,
	})
	webhookHandlers := handlers.NewPaymentWebhookHandlers(svc.Reconciler)
	jobHandlers := handlers.NewInternalJobHandlers(svc.Jobs)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(traceProjectID(cfg)),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(jobHandlers.Routes),
	}
	if oidcMiddleware != nil {
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
		serverLogger.Info("orderflow api listening",
			zap.String("backend", cfg.Datastore.Backend),
			zap.String("ledger", cfg.Datastore.Ledger),
			zap.Strings("providers", paymentManager.Names()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	backgroundCancel()
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newRegistry(cfg config.Config, provider *pfirestore.Provider, redisClient *redis.Client) (repositories.Registry, error) {
	var ledger repositories.InventoryRepository
	if cfg.Datastore.Ledger == config.BackendRedis {
		if redisClient == nil {
			return nil, errors.New("redis ledger requires API_REDIS_ADDR")
		}
		redisLedger, err := redisRepo.NewInventoryRepository(redisClient, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		ledger = redisLedger
	}

	var probes []repositories.DependencyProbe
	if redisClient != nil {
		probes = append(probes, repositories.DependencyProbe{
			Name: "redis",
			Ping: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	switch cfg.Datastore.Backend {
	case config.BackendFirestore:
		opts := []firestoreRepo.RegistryOption{firestoreRepo.WithHealthProbes(probes...)}
		if ledger != nil {
			opts = append(opts, firestoreRepo.WithInventory(ledger))
		}
		return firestoreRepo.NewRegistry(provider, opts...)
	case config.BackendMemory:
		return di.WithInventory(memory.NewRegistry(), ledger), nil
	default:
		return nil, fmt.Errorf("unsupported datastore backend %q", cfg.Datastore.Backend)
	}
}

// newOrderPublisher returns a nil publisher when Pub/Sub is not configured so events are dropped
// rather than failing transitions.
func newOrderPublisher(ctx context.Context, cfg config.Config) (*jobs.PubSubOrderPublisher, func(), error) {
	noop := func() {}
	projectID := strings.TrimSpace(cfg.PubSub.ProjectID)
	if projectID == "" || strings.TrimSpace(cfg.PubSub.OrderEventsTopic) == "" {
		return nil, noop, nil
	}
	client, err := pubsub.NewClient(ctx, projectID, clientOptions(cfg)...)
	if err != nil {
		return nil, noop, fmt.Errorf("pubsub client: %w", err)
	}
	topic := func(name string) *pubsub.Topic {
		if strings.TrimSpace(name) == "" {
			return nil
		}
		return client.Topic(name)
	}
	publisher, err := jobs.NewPubSubOrderPublisher(jobs.PubSubTopics{
		OrderEvents:   topic(cfg.PubSub.OrderEventsTopic),
		Notifications: topic(cfg.PubSub.NotificationsTopic),
		CartCommands:  topic(cfg.PubSub.CartCommandsTopic),
	})
	if err != nil {
		_ = client.Close()
		return nil, noop, err
	}
	return publisher, func() {
		publisher.Stop()
		_ = client.Close()
	}, nil
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider)
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		stripeLogger := observability.EventLogger(logger.Named("stripe"))
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:           cfg.PSP.StripeAPIKey,
			WebhookSecret:    cfg.PSP.StripeWebhookSecret,
			WebhookTolerance: cfg.PSP.StripeWebhookTolerance,
			Logger:           stripeLogger,
		})
		if err != nil {
			return nil, err
		}
		providers["stripe"] = stripeProvider
	}
	names := make([]string, 0, len(cfg.PSP.SignedSecrets))
	for name := range cfg.PSP.SignedSecrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		provider, err := payments.NewSignedJSONProvider(payments.SignedJSONConfig{
			Name:   name,
			Secret: cfg.PSP.SignedSecrets[name],
		})
		if err != nil {
			return nil, err
		}
		providers[name] = provider
	}
	if len(providers) == 0 {
		return nil, errors.New("no payment provider configured; set API_PSP_STRIPE_API_KEY or API_PSP_SIGNED_SECRETS")
	}

	opts := []payments.ManagerOption{payments.WithCurrencyRoutes(cfg.PSP.CurrencyRoutes)}
	if def := strings.TrimSpace(cfg.PSP.DefaultProvider); def != "" {
		if _, ok := providers[def]; ok {
			opts = append(opts, payments.WithDefaultProvider(def))
		} else {
			logger.Warn("default payment provider not configured", zap.String("provider", def))
		}
	}
	return payments.NewManager(providers, opts...)
}

func newIdempotencyStore(cfg config.Config, provider *pfirestore.Provider, redisClient *redis.Client) (idempotency.Store, error) {
	switch {
	case redisClient != nil:
		return idempotency.NewRedisStore(redisClient, cfg.Redis.KeyPrefix)
	case provider != nil:
		return idempotency.NewFirestoreStore(provider)
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

func runJobs(ctx context.Context, runner services.ScheduledJobRunner, interval time.Duration, batch int, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, interval)
			summary, err := runner.RunDue(runCtx, batch)
			cancel()
			if err != nil {
				logger.Error("scheduled job run failed", zap.Error(err))
				continue
			}
			if summary.Claimed > 0 {
				logger.Info("scheduled jobs processed",
					zap.Int("claimed", summary.Claimed),
					zap.Int("done", summary.Done),
					zap.Int("skipped", summary.Skipped),
					zap.Int("rescheduled", summary.Rescheduled),
					zap.Int("failed", summary.Failed),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

func clientOptions(cfg config.Config) []option.ClientOption {
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		return []option.ClientOption{option.WithCredentialsFile(file)}
	}
	return nil
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	validator := auth.NewOIDCValidator(cache, logger)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter("github.com/storefront/orderflow/secrets")),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve for the providers the environment enables.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["API_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	}
	for provider := range parseKeyValueList(env["API_PSP_SIGNED_SECRETS"]) {
		required = append(required, fmt.Sprintf("PSP.SignedSecrets[%s]", strings.ToLower(provider)))
	}
	if strings.TrimSpace(env["API_REDIS_PASSWORD"]) != "" {
		required = append(required, "Redis.Password")
	}
	required = uniqueStrings(required)
	sort.Strings(required)
	return required
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(entry), "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
