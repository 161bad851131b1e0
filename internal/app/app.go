// Package app wires configuration into a runnable report dispatch runtime.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/iago/reporting-back/internal/auth"
	"github.com/iago/reporting-back/internal/config"
	"github.com/iago/reporting-back/internal/events"
	"github.com/iago/reporting-back/internal/generators"
	httpserver "github.com/iago/reporting-back/internal/http"
	"github.com/iago/reporting-back/internal/http/handlers"
	"github.com/iago/reporting-back/internal/idempotency"
	"github.com/iago/reporting-back/internal/queue"
	"github.com/iago/reporting-back/internal/registry"
	"github.com/iago/reporting-back/internal/repository"
	"github.com/iago/reporting-back/internal/service"
	"github.com/iago/reporting-back/internal/storage"
	"github.com/iago/reporting-back/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Option customizes the runtime before it is assembled.
type Option func(*options)

type options struct {
	registrations    []func(*registry.Registry) error
	standaloneWorker bool
}

// WithGenerators lets the embedding program register its own report kinds.
func WithGenerators(register func(*registry.Registry) error) Option {
	return func(o *options) {
		o.registrations = append(o.registrations, register)
	}
}

// StandaloneWorker marks a runtime that only consumes the queue while a
// separate API process serves polls. It refuses process-local storage.
func StandaloneWorker() Option {
	return func(o *options) {
		o.standaloneWorker = true
	}
}

// Runtime holds the assembled components. Close releases them in reverse order.
type Runtime struct {
	Config     config.Config
	Logger     *slog.Logger
	Registry   *registry.Registry
	Dispatch   *service.DispatchService
	Generation *service.GenerationService
	Processor  *worker.Processor
	Handler    http.Handler

	standalone bool
	closers    []func()
}

type pinger interface {
	Ping(ctx context.Context) error
}

// NewLogger builds the JSON logger used by every binary.
func NewLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", cfg.ServiceName)
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = NewLogger(cfg)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.standaloneWorker {
		if err := cfg.ValidateStandaloneWorker(); err != nil {
			return nil, err
		}
	}

	rt := &Runtime{Config: cfg, Logger: logger, standalone: o.standaloneWorker}
	var checks []handlers.HealthCheck

	repo, repoCheck, err := rt.setupRepository(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if repoCheck != nil {
		checks = append(checks, handlers.HealthCheck{Name: "database", Check: repoCheck})
	}

	producer, consumer, redisClient, queueCheck := rt.setupQueue(ctx)
	checks = append(checks, handlers.HealthCheck{Name: "queue", Check: queueCheck})

	blobs, downloads, err := rt.setupStorage(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}

	publisher := rt.setupPublisher()

	var idem idempotency.Store = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
	if redisClient != nil {
		idem = idempotency.NewRedisStore(redisClient, cfg.IdempotencyTTL)
	}

	authorizer, err := auth.NewAuthorizationChecker(cfg.AuthzMode)
	if err != nil {
		rt.Close()
		return nil, err
	}

	reg := registry.New()
	if cfg.DemoGeneratorsEnabled {
		if err := generators.RegisterDemo(reg); err != nil {
			rt.Close()
			return nil, fmt.Errorf("register demo generators: %w", err)
		}
	}
	for _, register := range o.registrations {
		if err := register(reg); err != nil {
			rt.Close()
			return nil, fmt.Errorf("register generators: %w", err)
		}
	}
	rt.Registry = reg

	rt.Dispatch = service.NewDispatchService(repo, reg, producer, blobs, authorizer, publisher, logger, service.DispatchConfig{
		DownloadURLTTL: cfg.DownloadURLTTL,
		ServiceName:    cfg.ServiceName,
	})
	rt.Generation = service.NewGenerationService(repo, reg, blobs, publisher, logger, service.GenerationConfig{
		ServiceName: cfg.ServiceName,
		Timeout:     cfg.GenerationTimeout,
	})
	rt.Processor = worker.NewProcessor(consumer, rt.Generation, logger, cfg.WorkerConcurrency)

	apiOpts := []handlers.Option{handlers.WithHealthChecks(checks...)}
	if downloads != nil {
		apiOpts = append(apiOpts, handlers.WithDownloads(downloads))
	}
	api := handlers.NewAPI(rt.Dispatch, idem, logger, apiOpts...)
	rt.Handler = httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		Identity:       rt.identityResolver(),
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	return rt, nil
}

// Close releases resources in reverse acquisition order.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *Runtime) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

func (rt *Runtime) setupRepository(ctx context.Context) (repository.ReportsRepository, func(context.Context) error, error) {
	cfg := rt.Config
	if cfg.DatabaseURL == "" {
		rt.Logger.Info("DATABASE_URL not configured, using in-memory repository")
		return repository.NewMemoryReportsRepository(), nil, nil
	}

	pgRepo, err := repository.NewPostgresReportsRepository(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns))
	if err != nil {
		if rt.standalone {
			return nil, nil, fmt.Errorf("initialize postgres repository: %w", err)
		}
		rt.Logger.Error("failed to initialize postgres repository, fallback to memory", "error", err)
		return repository.NewMemoryReportsRepository(), nil, nil
	}
	rt.onClose(pgRepo.Close)

	if cfg.DBAutoMigrate {
		if err := pgRepo.Migrate(ctx); err != nil {
			rt.Logger.Error("schema migration failed", "error", err)
		} else {
			rt.Logger.Info("schema migrations applied")
		}
	}
	rt.Logger.Info("postgres repository initialized")
	return pgRepo, pgRepo.Ping, nil
}

func (rt *Runtime) setupQueue(ctx context.Context) (queue.Producer, queue.Consumer, *redis.Client, func(context.Context) error) {
	cfg := rt.Config
	var (
		baseProducer queue.Producer
		consumer     queue.Consumer
		client       *redis.Client
		check        pinger
	)

	if cfg.RedisAddr == "" {
		rt.Logger.Info("REDIS_ADDR not configured, using local queue fallback")
		local := queue.NewLocalQueue(512, cfg.QueueMaxAttempts, rt.Logger)
		baseProducer, consumer, check = local, local, local
	} else {
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Stream:      cfg.ReportsQueue,
			DLQStream:   cfg.ReportsDLQ,
			Group:       cfg.ReportsGroup,
			Consumer:    cfg.ReportsConsumer,
			MaxAttempts: cfg.QueueMaxAttempts,
		}, rt.Logger)
		if err != nil {
			rt.Logger.Error("failed to initialize redis streams queue, fallback to local", "error", err)
			local := queue.NewLocalQueue(512, cfg.QueueMaxAttempts, rt.Logger)
			baseProducer, consumer, check = local, local, local
		} else {
			rt.Logger.Info("redis streams queue initialized", "stream", cfg.ReportsQueue, "group", cfg.ReportsGroup)
			baseProducer, consumer, check = streams, streams, streams
			client = streams.Client()
			rt.onClose(func() { _ = streams.Close() })
		}
	}

	producer := baseProducer
	if cfg.QueueBatchingEnabled {
		batching := queue.NewBatchingProducer(ctx, baseProducer, queue.BatchingConfig{
			MaxBatchSize:       cfg.QueueBatchSize,
			FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
			FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
			QueueCapacity:      cfg.QueueBatchQueueCapacity,
			MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
			Logger:             rt.Logger,
		})
		producer = batching
		rt.onClose(batching.Close)
		rt.Logger.Info("queue batching enabled",
			"size", cfg.QueueBatchSize,
			"flush_ms", cfg.QueueBatchFlushMS,
			"queue_capacity", cfg.QueueBatchQueueCapacity,
			"max_in_flight", cfg.QueueBatchMaxInFlight,
		)
	}

	return producer, consumer, client, check.Ping
}

func (rt *Runtime) setupStorage(ctx context.Context) (storage.BlobStore, *storage.MemoryBlobStore, error) {
	cfg := rt.Config
	if cfg.S3Bucket != "" {
		s3Store, err := storage.NewS3BlobStore(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Endpoint:        cfg.S3Endpoint,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initialize s3 blob store: %w", err)
		}
		rt.Logger.Info("s3 blob store initialized", "bucket", cfg.S3Bucket)
		return s3Store, nil, nil
	}

	secret := cfg.DownloadSigningSecret
	if secret == "" {
		generated, err := randomSecret()
		if err != nil {
			return nil, nil, err
		}
		secret = generated
		rt.Logger.Warn("DOWNLOAD_SIGNING_SECRET not configured, download links will not survive a restart")
	}
	memory := storage.NewMemoryBlobStore(cfg.PublicBaseURL, secret)
	rt.Logger.Info("S3_BUCKET not configured, serving artifacts from memory", "base_url", cfg.PublicBaseURL)
	return memory, memory, nil
}

func (rt *Runtime) setupPublisher() events.Publisher {
	cfg := rt.Config
	if len(cfg.KafkaBrokers) == 0 {
		return events.NewLoggingPublisher(rt.Logger)
	}
	kafkaPublisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		rt.Logger.Error("failed to initialize kafka publisher, fallback to logging", "error", err)
		return events.NewLoggingPublisher(rt.Logger)
	}
	rt.onClose(func() { _ = kafkaPublisher.Close() })
	rt.Logger.Info("kafka publisher initialized", "topic", cfg.KafkaTopic)
	return kafkaPublisher
}

func (rt *Runtime) identityResolver() auth.IdentityResolver {
	if rt.Config.JWTSecret != "" {
		return auth.NewJWTIdentityResolver(rt.Config.JWTSecret)
	}
	rt.Logger.Warn("JWT_SECRET not configured, trusting X-Requester-* headers")
	return auth.HeaderIdentityResolver{}
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate download signing secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
