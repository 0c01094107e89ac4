package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pvandervelde/queue-keeper/internal/auth"
	"github.com/pvandervelde/queue-keeper/internal/breaker"
	"github.com/pvandervelde/queue-keeper/internal/concurrency"
	"github.com/pvandervelde/queue-keeper/internal/config"
	"github.com/pvandervelde/queue-keeper/internal/health"
	"github.com/pvandervelde/queue-keeper/internal/observability"
	"github.com/pvandervelde/queue-keeper/internal/payloadstore"
	"github.com/pvandervelde/queue-keeper/internal/provider"
	"github.com/pvandervelde/queue-keeper/internal/publisher"
	"github.com/pvandervelde/queue-keeper/internal/ratelimit"
	"github.com/pvandervelde/queue-keeper/internal/replay"
	"github.com/pvandervelde/queue-keeper/internal/secretstore"
	"github.com/pvandervelde/queue-keeper/internal/webhook"
)

var (
	systemConfigPath = flag.String("system-config", "/etc/queue-keeper/config.yaml", "Path to the system default service configuration")
	localConfigPath  = flag.String("local-config", "config.yaml", "Path to the local deployment's service configuration")
	botConfigPath    = flag.String("bot-config", "", "Path to the bot subscription document (overridden by BOT_CONFIG_PATH)")
	envFile          = flag.String("env", ".env", "Path to environment file")
)

const version = "1.0.0"

// Exit codes, per the deployment runbook: 0 normal shutdown, 2 invalid
// configuration, 3 unrecoverable dependency initialisation failure.
const (
	exitOK            = 0
	exitConfigInvalid = 2
	exitDependency    = 3
)

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("warning: could not load env file %s: %v\n", *envFile, err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	log := logrus.NewEntry(logger)

	svcCfg, err := config.LoadServiceConfig(*systemConfigPath, *localConfigPath)
	if err != nil {
		log.WithError(err).Error("failed to load service configuration")
		os.Exit(exitConfigInvalid)
	}
	applyLogLevel(logger, svcCfg.Logging.Level)
	if svcCfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339})
	}

	botCfg, err := config.LoadBotConfiguration(*botConfigPath)
	if err != nil {
		log.WithError(err).Error("failed to load bot configuration")
		os.Exit(exitConfigInvalid)
	}

	ctx := context.Background()

	providers, err := provider.NewRegistry(svcCfg.ProviderDescriptors())
	if err != nil {
		log.WithError(err).Error("failed to build provider registry")
		os.Exit(exitConfigInvalid)
	}
	log.WithField("providers", providers.IDs()).Info("provider registry loaded")

	breakers := breaker.NewRegistry()

	secretSource, err := buildSecretSource(ctx, svcCfg.Secrets)
	if err != nil {
		log.WithError(err).Error("failed to build secret source")
		os.Exit(exitDependency)
	}
	secrets := secretstore.New(
		secretSource,
		breakers.SecretVault,
		time.Duration(svcCfg.Secrets.TTLSeconds)*time.Second,
		time.Duration(svcCfg.Secrets.ExtendedTTLSeconds)*time.Second,
	)

	store, err := buildPayloadStore(ctx, svcCfg.PayloadStore)
	if err != nil {
		log.WithError(err).Error("failed to build payload store")
		os.Exit(exitDependency)
	}

	queue, err := buildQueue(ctx, svcCfg.Queue)
	if err != nil {
		log.WithError(err).Error("failed to build queue publisher backend")
		os.Exit(exitDependency)
	}

	deadLetter, err := buildDeadLetter(svcCfg.DeadLetter)
	if err != nil {
		log.WithError(err).Error("failed to build dead-letter store")
		os.Exit(exitDependency)
	}

	governor := concurrency.NewGovernor(svcCfg.Concurrency.IngressPermits, svcCfg.Concurrency.PublishPermits)
	pub := publisher.New(queue, deadLetter, breakers.QueuePublisher, governor)

	rateLimitStore, err := buildRateLimitStore(svcCfg.RateLimit)
	if err != nil {
		log.WithError(err).Error("failed to build rate limit store")
		os.Exit(exitDependency)
	}
	limiter := ratelimit.NewLimiter(
		rateLimitStore,
		ratelimit.Policy{RequestsPerMinute: svcCfg.RateLimit.IPRequestsPerMinute, Burst: svcCfg.RateLimit.IPBurst},
		ratelimit.Policy{RequestsPerMinute: svcCfg.RateLimit.RepoRequestsPerMinute, Burst: svcCfg.RateLimit.RepoBurst},
		ratelimit.Policy{RequestsPerMinute: svcCfg.RateLimit.SuspiciousRequestsPerMinute, Burst: svcCfg.RateLimit.SuspiciousBurst},
	)
	limiter.Whitelist(svcCfg.RateLimit.Whitelist...)
	if svcCfg.RateLimit.StrikesToBlock > 0 {
		limiter.StrikesToBlock = svcCfg.RateLimit.StrikesToBlock
	}

	registerer := prom.NewRegistry()
	metrics, err := observability.New(ctx, observability.Config{
		ServiceName:    svcCfg.Observability.ServiceName,
		ServiceVersion: version,
		Environment:    svcCfg.Observability.Environment,
		SampleRate:     svcCfg.Observability.SampleRate,
	}, registerer)
	if err != nil {
		log.WithError(err).Error("failed to initialise observability provider")
		os.Exit(exitDependency)
	}

	authenticator := auth.New(log, svcCfg.Secrets.Source == "literal")

	receiver := webhook.NewReceiver(log)
	receiver.Providers = providers
	receiver.Auth = authenticator
	receiver.Secrets = secrets
	receiver.PayloadStore = store
	receiver.Publisher = pub
	receiver.Subscriptions = botCfg.ToSubscriptions()
	receiver.RateLimiter = limiter
	receiver.Governor = governor
	receiver.Breakers = breakers
	receiver.Metrics = metrics
	receiver.MaxPayloadSize = svcCfg.Webhooks.MaxPayloadSize
	receiver.RequestTimeout = time.Duration(svcCfg.Webhooks.TimeoutS) * time.Second

	replayRunner := &replay.Runner{
		Store:         store,
		Providers:     providers,
		Subscriptions: receiver.Subscriptions,
		Publisher:     pub,
		Log:           log,
	}

	healthChecker := health.NewChecker(version, breakers, governor, providers)

	engine := setupRouter(svcCfg, logger, receiver, healthChecker, replayRunner, registerer)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", svcCfg.Server.Host, svcCfg.Server.Port),
		Handler: engine,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("starting queue-keeper HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("received shutdown signal, gracefully stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("observability shutdown failed")
	}

	log.Info("queue-keeper stopped")
	os.Exit(exitOK)
}

func applyLogLevel(logger *logrus.Logger, level string) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

func buildSecretSource(ctx context.Context, cfg config.SecretsConfig) (secretstore.Source, error) {
	switch cfg.Source {
	case "vault":
		token := os.Getenv(cfg.VaultTokenEnv)
		return secretstore.NewHTTPVaultSource(cfg.VaultBaseURL, token), nil
	case "ssm":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("main: load aws config for ssm: %w", err)
		}
		client := ssm.NewFromConfig(awsCfg)
		return secretstore.NewSSMSource(client, cfg.SSMPrefix), nil
	default:
		return secretstore.NewLiteralSource(literalSecretsFromEnv()), nil
	}
}

// literalSecretsFromEnv has no entries by default; a literal-source
// deployment is expected to be development-only and populate secrets
// through provider configuration's secret.value field instead, which
// internal/webhook resolves without consulting the store at all.
func literalSecretsFromEnv() map[string]string {
	return map[string]string{}
}

func buildPayloadStore(ctx context.Context, cfg config.PayloadStoreConfig) (payloadstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		return payloadstore.NewS3Store(ctx, payloadstore.S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	default:
		return payloadstore.NewMemoryStore(), nil
	}
}

func buildQueue(ctx context.Context, cfg config.QueueConfig) (publisher.Queue, error) {
	switch cfg.Backend {
	case "sqs":
		return publisher.NewSQSQueue(ctx, publisher.SQSConfig{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			QueueURLs: cfg.QueueURLs,
		})
	default:
		return publisher.NewMemoryQueue(), nil
	}
}

func buildDeadLetter(cfg config.DeadLetterConfig) (publisher.DeadLetterStore, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return publisher.NewRedisDeadLetterStore(client), nil
	default:
		return publisher.NewMemoryDeadLetterStore(), nil
	}
}

func buildRateLimitStore(cfg config.RateLimitConfig) (ratelimit.Store, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return ratelimit.NewRedisStore(client), nil
	default:
		return ratelimit.NewMemoryStore(), nil
	}
}

func setupRouter(
	cfg *config.ServiceConfig,
	logger *logrus.Logger,
	receiver *webhook.Receiver,
	healthChecker *health.Checker,
	replayRunner *replay.Runner,
	registerer *prom.Registry,
) *gin.Engine {
	if cfg.Observability.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(loggingMiddleware(logger))

	engine.GET("/health", healthChecker.HealthCheck)
	engine.GET("/health/deep", healthChecker.DeepHealthCheck)
	engine.GET("/ready", healthChecker.ReadinessCheck)

	receiver.SetupRoutes(engine, promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))

	engine.POST("/admin/replay", replayRunner.HandleReplay)

	return engine
}

func loggingMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.WithFields(logrus.Fields{
			"status_code": c.Writer.Status(),
			"method":      c.Request.Method,
			"path":        path,
			"ip":          c.ClientIP(),
			"latency":     time.Since(start),
		}).Info("http request")
	}
}
