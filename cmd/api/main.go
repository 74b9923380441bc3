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
	cloudstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/carawoo/mereal/internal/di"
	"github.com/carawoo/mereal/internal/handlers"
	"github.com/carawoo/mereal/internal/payments"
	"github.com/carawoo/mereal/internal/platform/auth"
	"github.com/carawoo/mereal/internal/platform/config"
	"github.com/carawoo/mereal/internal/platform/events"
	pfirestore "github.com/carawoo/mereal/internal/platform/firestore"
	"github.com/carawoo/mereal/internal/platform/idempotency"
	"github.com/carawoo/mereal/internal/platform/observability"
	ppostgres "github.com/carawoo/mereal/internal/platform/postgres"
	"github.com/carawoo/mereal/internal/platform/requestctx"
	"github.com/carawoo/mereal/internal/platform/secrets"
	platformstorage "github.com/carawoo/mereal/internal/platform/storage"
	"github.com/carawoo/mereal/internal/repositories"
	pgrepo "github.com/carawoo/mereal/internal/repositories/postgres"
	"github.com/carawoo/mereal/internal/services"
)

const meterName = "github.com/carawoo/mereal/api"

type closer func()

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
	ctx = requestctx.WithLogger(ctx, logger)
	meter := otel.GetMeterProvider().Meter(meterName)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, meter, envValues)
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
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	pgProvider := ppostgres.NewProvider(cfg.Database)
	pool, err := pgProvider.Pool(ctx)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		applied, err := ppostgres.Migrate(ctx, pool)
		if err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}
		for _, m := range applied {
			logger.Info("migration applied", zap.Int64("version", m.Version), zap.String("source", m.Source), zap.String("duration", m.Duration))
		}
	}

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		})
	}

	var firestoreProvider *pfirestore.Provider
	if cfg.Idempotency.Backend == "firestore" {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		closers = append(closers, func() {
			if err := firestoreProvider.Close(); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		})
	}

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Warn("storage client unavailable; uploads disabled", zap.Error(err))
	} else {
		closers = append(closers, func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		})
	}
	objects, signedURLs := newStorage(logger.Named("storage"), cfg, storageClient)

	gateway, err := newPaymentManager(cfg, logger)
	if err != nil {
		logger.Warn("payment gateway unavailable; verification disabled", zap.Error(err))
	}

	publisher, closePublisher, err := newEventPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	closers = append(closers, closePublisher)

	idempotencyStore, err := newIdempotencyStore(ctx, cfg, redisClient, firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyLogger := observability.NewPrintfAdapter(logger.Named("idempotency"))
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(idempotencyLogger),
	)
	sweeper := idempotency.NewSweeper(idempotencyStore, cfg.Idempotency.CleanupBatchSize, idempotencyLogger)

	health, err := repositories.NewDependencyHealthRepository(
		dependencyChecks(cfg, pgProvider, redisClient, firestoreProvider, objects, fetcher),
	)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := pgrepo.NewRegistry(pgProvider, health)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Infrastructure{
		Gateway: gateway,
		Signer:  signedURLs,
		Objects: objects,
		Events:  publisher,
		Sweeper: sweeper,
		Build:   buildInfo,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	authMetrics, err := auth.NewOTelMetricsRecorder(meter)
	if err != nil {
		logger.Warn("auth metrics unavailable", zap.Error(err))
	}
	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithAuthMetrics(authMetrics))
	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg, authMetrics)
	hmacValidator := buildHMACValidator(logger.Named("auth"), cfg, redisClient, authMetrics)

	httpMetrics, err := observability.NewHTTPMetrics(meter)
	if err != nil {
		logger.Warn("http metrics unavailable", zap.Error(err))
	}

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
		httpMetrics.Middleware,
		handlers.NewRateLimitMiddleware(handlers.RateLimitOptions{
			AnonymousPerMinute:     cfg.RateLimits.DefaultPerMinute,
			AuthenticatedPerMinute: cfg.RateLimits.AuthenticatedPerMinute,
		}),
		handlers.LocaleMiddleware,
	}

	admins := handlers.NewAdminHandlers(authenticator, handlers.NewAdminGuard(svc.Admins), svc.Orders, svc.Admins,
		handlers.WithAdminLocation(cfg.Server.Location()),
	)
	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(buildInfo),
			handlers.WithHealthSystemService(svc.System),
		)),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authenticator, svc.Orders, idempotencyMiddleware).Routes),
		handlers.WithMeRoutes(handlers.NewMeHandlers(authenticator, svc.Admins).Routes),
		handlers.WithAdminRoutes(admins.Routes),
		handlers.WithWebhookMiddlewares(handlers.NewBurstLimitMiddleware(cfg.RateLimits.WebhookBurst, nil)),
		handlers.WithInternalRoutes(handlers.NewMaintenanceHandlers(svc.System).Routes),
	}
	if svc.Uploads != nil {
		opts = append(opts, handlers.WithUploadRoutes(handlers.NewUploadHandlers(authenticator, svc.Uploads, idempotencyMiddleware).Routes))
	}
	if svc.Payments != nil {
		opts = append(opts,
			handlers.WithPaymentRoutes(handlers.NewPaymentHandlers(authenticator, svc.Payments, idempotencyMiddleware).Routes),
			handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(hmacValidator, svc.Payments).Routes),
		)
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

	sweepCtx, sweepCancel := context.WithCancel(requestctx.WithLogger(context.Background(), logger.Named("idempotency")))
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		sweeper.Run(sweepCtx, cfg.Idempotency.CleanupInterval)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("mereal api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
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
	environment := strings.TrimSpace(cfg.Security.Environment)
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

func newStorage(logger *zap.Logger, cfg config.Config, client *cloudstorage.Client) (*platformstorage.ObjectStore, *platformstorage.Client) {
	if client == nil {
		return nil, nil
	}
	objects, err := platformstorage.NewObjectStore(client)
	if err != nil {
		logger.Warn("object store unavailable", zap.Error(err))
		return nil, nil
	}
	keyFile := strings.TrimSpace(cfg.Storage.SignerKeyFile)
	if keyFile == "" || strings.TrimSpace(cfg.Storage.UploadsBucket) == "" {
		logger.Warn("storage signer key file or uploads bucket not configured; uploads disabled")
		return objects, nil
	}
	signer, err := platformstorage.NewServiceAccountSignerFromFile(keyFile, cfg.Storage.SignerEmail)
	if err != nil {
		logger.Warn("failed to load storage signer; uploads disabled", zap.Error(err))
		return objects, nil
	}
	signedURLs, err := platformstorage.NewClient(signer)
	if err != nil {
		logger.Warn("failed to initialise signed url client; uploads disabled", zap.Error(err))
		return objects, nil
	}
	return objects, signedURLs
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	providers := make(map[string]payments.Gateway, 2)
	if key := strings.TrimSpace(cfg.Payments.TossSecretKey); key != "" {
		toss, err := payments.NewTossProvider(payments.TossProviderConfig{
			BaseURL:   cfg.Payments.TossBaseURL,
			SecretKey: key,
			HTTPClient: &http.Client{
				Timeout: cfg.Payments.GatewayTimeout,
			},
			Logger: payments.TossLogger(observability.NewEventLogger(logger, "toss")),
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderToss] = toss
	}
	if key := strings.TrimSpace(cfg.Payments.StripeAPIKey); key != "" {
		stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: key,
			Logger: payments.StripeLogger(observability.NewEventLogger(logger, "stripe")),
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderStripe] = stripe
	}
	if len(providers) == 0 {
		return nil, errors.New("no payment provider credentials configured")
	}
	var opts []payments.ManagerOption
	if provider := strings.TrimSpace(cfg.Payments.DefaultProvider); provider != "" {
		if _, ok := providers[provider]; ok {
			opts = append(opts, payments.WithDefaultProvider(provider))
		}
	}
	return payments.NewManager(providers, opts...)
}

type eventPublisher interface {
	services.OrderEventPublisher
	Close() error
}

func newEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.OrderEventPublisher, closer, error) {
	var (
		publisher eventPublisher
		extra     func()
	)
	switch cfg.Events.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSubProject)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Events.PubSubTopic)
		topic.EnableMessageOrdering = true
		pub, err := events.NewPubSubPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		publisher = pub
		extra = func() { _ = client.Close() }
	case "kafka":
		pub, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		publisher = pub
	default:
		publisher = events.NewLogPublisher(logger)
	}
	logger.Info("order events configured", zap.String("backend", cfg.Events.Backend))
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("order event publisher close error", zap.Error(err))
		}
		if extra != nil {
			extra()
		}
	}, nil
}

func newIdempotencyStore(ctx context.Context, cfg config.Config, redisClient *redis.Client, firestoreProvider *pfirestore.Provider) (idempotency.Store, error) {
	switch cfg.Idempotency.Backend {
	case "redis":
		if redisClient == nil {
			return nil, errors.New("idempotency backend redis requires API_REDIS_ADDR")
		}
		return idempotency.NewRedisStore(redisClient, ""), nil
	case "firestore":
		client, err := firestoreProvider.Client(ctx)
		if err != nil {
			return nil, err
		}
		return idempotency.NewFirestoreStore(client), nil
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

func dependencyChecks(cfg config.Config, pg *ppostgres.Provider, redisClient *redis.Client, fs *pfirestore.Provider, objects *platformstorage.ObjectStore, fetcher *secrets.Fetcher) []repositories.DependencyCheck {
	checks := []repositories.DependencyCheck{{
		Name:     "postgres",
		Critical: true,
		Timeout:  2 * time.Second,
		Check:    pg.Ping,
	}}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	if fs != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   fs.Check,
		})
	}
	if objects != nil && cfg.Storage.UploadsBucket != "" {
		bucket := cfg.Storage.UploadsBucket
		checks = append(checks, repositories.DependencyCheck{
			Name:    "storage",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				return objects.Ping(ctx, bucket)
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	return checks
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter), auth.WithOIDCMetrics(metrics))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if scoped := strings.TrimSpace(cfg.Security.OIDC.Audiences["maintenance"]); scoped != "" {
		audience = scoped
	}
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireServiceToken(auth.ServiceTokenConfig{
		Audience:        audience,
		Issuers:         cfg.Security.OIDC.Issuers,
		ServiceAccounts: cfg.Security.OIDC.ServiceAccounts,
	})
}

func buildHMACValidator(logger *zap.Logger, cfg config.Config, redisClient *redis.Client, metrics auth.MetricsRecorder) *auth.HMACValidator {
	secretValues := make(auth.StaticSecrets)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secretValues[strings.ToLower(key)] = value
	}
	if len(secretValues) == 0 {
		logger.Warn("auth: no webhook secrets configured; webhooks will be rejected")
	}

	var nonces auth.NonceStore = auth.NewInMemoryNonceStore()
	if redisClient != nil {
		nonces = auth.NewRedisNonceStore(redisClient, "")
	}
	return auth.NewHMACValidator(secretValues, nonces,
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACMetrics(metrics),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, meter metric.Meter, env map[string]string) (*secrets.Fetcher, error) {
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
		secrets.WithMeter(meter),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if ttl, err := time.ParseDuration(lookup("API_SECRET_CACHE_TTL")); err == nil {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets startup refuses to run without. Webhook HMAC keys are
// required only when named in API_SECURITY_HMAC_SECRETS.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Database.URL"}
	if strings.TrimSpace(env["API_PAYMENTS_STRIPE_API_KEY"]) == "" {
		required = append(required, "Payments.TossSecretKey")
	}
	for _, key := range parseHMACSecretKeys(env["API_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return uniqueStrings(required)
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
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
	sort.Strings(out)
	return out
}
