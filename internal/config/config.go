package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config centralizes runtime settings for the API and workers.
// Resolution order: defaults, then the optional YAML file, then environment.
type Config struct {
	Port        string
	ServiceName string
	LogLevel    string

	DatabaseURL   string
	DBMaxConns    int
	DBAutoMigrate bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ReportsQueue     string
	ReportsDLQ       string
	ReportsGroup     string
	ReportsConsumer  string
	QueueMaxAttempts int

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	WorkerEnabled     bool
	WorkerConcurrency int
	GenerationTimeout time.Duration

	DownloadURLTTL        time.Duration
	S3Bucket              string
	S3Region              string
	S3AccessKeyID         string
	S3SecretAccessKey     string
	S3Endpoint            string
	PublicBaseURL         string
	DownloadSigningSecret string

	JWTSecret string
	AuthzMode string

	KafkaBrokers []string
	KafkaTopic   string

	IdempotencyTTL time.Duration

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	DemoGeneratorsEnabled bool
}

// configFile mirrors the YAML layout of CONFIG_FILE. Zero values leave defaults untouched.
type configFile struct {
	Service struct {
		Name     string `yaml:"name"`
		Port     int    `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"service"`
	Database struct {
		URL         string `yaml:"url"`
		MaxConns    int    `yaml:"max_conns"`
		AutoMigrate *bool  `yaml:"auto_migrate"`
	} `yaml:"database"`
	Redis struct {
		Addr string `yaml:"addr"`
		DB   int    `yaml:"db"`
	} `yaml:"redis"`
	Queue struct {
		Name        string `yaml:"name"`
		DLQ         string `yaml:"dlq"`
		Group       string `yaml:"group"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"queue"`
	Worker struct {
		Enabled           *bool  `yaml:"enabled"`
		Concurrency       int    `yaml:"concurrency"`
		GenerationTimeout string `yaml:"generation_timeout"`
	} `yaml:"worker"`
	Storage struct {
		DownloadURLTTL string `yaml:"download_url_ttl"`
		S3Bucket       string `yaml:"s3_bucket"`
		S3Region       string `yaml:"s3_region"`
		S3Endpoint     string `yaml:"s3_endpoint"`
		PublicBaseURL  string `yaml:"public_base_url"`
	} `yaml:"storage"`
	Auth struct {
		AuthzMode string `yaml:"authz_mode"`
	} `yaml:"auth"`
	Events struct {
		KafkaBrokers []string `yaml:"kafka_brokers"`
		KafkaTopic   string   `yaml:"kafka_topic"`
	} `yaml:"events"`
	HTTP struct {
		RateLimitRPS       float64  `yaml:"rate_limit_rps"`
		RateLimitBurst     int      `yaml:"rate_limit_burst"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	} `yaml:"http"`
}

func defaults() Config {
	return Config{
		Port:        "8080",
		ServiceName: "reporting-back",
		LogLevel:    "info",

		DBMaxConns: 10,

		ReportsQueue:     "reports",
		ReportsGroup:     "report_workers",
		QueueMaxAttempts: 3,

		QueueBatchingEnabled:     true,
		QueueBatchSize:           32,
		QueueBatchFlushMS:        25,
		QueueBatchFlushTimeoutMS: 3000,
		QueueBatchQueueCapacity:  2048,
		QueueBatchMaxInFlight:    4,

		WorkerEnabled:     true,
		WorkerConcurrency: 4,

		DownloadURLTTL: 15 * time.Minute,
		S3Region:       "us-east-1",
		PublicBaseURL:  "http://localhost:8080",

		AuthzMode:  "requester",
		KafkaTopic: "reports.events",

		IdempotencyTTL: 24 * time.Hour,

		RateLimitRPS:   20,
		RateLimitBurst: 40,
	}
}

func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = getEnvInt("DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBAutoMigrate = getEnvBool("DB_AUTO_MIGRATE", cfg.DBAutoMigrate)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)

	cfg.ReportsQueue = getEnv("REPORTS_QUEUE", cfg.ReportsQueue)
	cfg.ReportsDLQ = getEnv("REPORTS_DLQ", cfg.ReportsDLQ)
	cfg.ReportsGroup = getEnv("REPORTS_GROUP", cfg.ReportsGroup)
	cfg.ReportsConsumer = getEnv("REPORTS_CONSUMER", cfg.ReportsConsumer)
	cfg.QueueMaxAttempts = getEnvInt("QUEUE_MAX_ATTEMPTS", cfg.QueueMaxAttempts)

	cfg.QueueBatchingEnabled = getEnvBool("QUEUE_BATCHING_ENABLED", cfg.QueueBatchingEnabled)
	cfg.QueueBatchSize = getEnvInt("QUEUE_BATCH_SIZE", cfg.QueueBatchSize)
	cfg.QueueBatchFlushMS = getEnvInt("QUEUE_BATCH_FLUSH_MS", cfg.QueueBatchFlushMS)
	cfg.QueueBatchFlushTimeoutMS = getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", cfg.QueueBatchFlushTimeoutMS)
	cfg.QueueBatchQueueCapacity = getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", cfg.QueueBatchQueueCapacity)
	cfg.QueueBatchMaxInFlight = getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", cfg.QueueBatchMaxInFlight)

	cfg.WorkerEnabled = getEnvBool("WORKER_ENABLED", cfg.WorkerEnabled)
	cfg.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	cfg.GenerationTimeout = getEnvDuration("GENERATION_TIMEOUT", cfg.GenerationTimeout)

	cfg.DownloadURLTTL = getEnvDuration("DOWNLOAD_URL_TTL", cfg.DownloadURLTTL)
	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3Region = getEnv("S3_REGION", cfg.S3Region)
	cfg.S3AccessKeyID = getEnv("S3_ACCESS_KEY_ID", cfg.S3AccessKeyID)
	cfg.S3SecretAccessKey = getEnv("S3_SECRET_ACCESS_KEY", cfg.S3SecretAccessKey)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.PublicBaseURL = getEnv("PUBLIC_BASE_URL", cfg.PublicBaseURL)
	cfg.DownloadSigningSecret = getEnv("DOWNLOAD_SIGNING_SECRET", cfg.DownloadSigningSecret)

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.AuthzMode = getEnv("AUTHZ_MODE", cfg.AuthzMode)

	cfg.KafkaBrokers = getEnvList("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.KafkaTopic)

	cfg.IdempotencyTTL = getEnvDuration("IDEMPOTENCY_TTL", cfg.IdempotencyTTL)

	cfg.RateLimitRPS = getEnvFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)

	cfg.DemoGeneratorsEnabled = getEnvBool("DEMO_GENERATORS_ENABLED", cfg.DemoGeneratorsEnabled)

	if cfg.ReportsDLQ == "" {
		cfg.ReportsDLQ = cfg.ReportsQueue + "_dlq"
	}
	if cfg.ReportsConsumer == "" {
		cfg.ReportsConsumer = defaultConsumerName(cfg.ServiceName)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if c.DownloadURLTTL <= 0 {
		problems = append(problems, "DOWNLOAD_URL_TTL must be positive")
	}
	if c.GenerationTimeout < 0 {
		problems = append(problems, "GENERATION_TIMEOUT must not be negative")
	}
	if strings.TrimSpace(c.ReportsQueue) == "" {
		problems = append(problems, "REPORTS_QUEUE must not be empty")
	}
	switch c.AuthzMode {
	case "requester", "allow_all":
	default:
		problems = append(problems, fmt.Sprintf("AUTHZ_MODE %q is not supported", c.AuthzMode))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateStandaloneWorker checks that a worker running apart from the API
// process writes to state the API can read. Artifacts in the in-memory blob
// store and rows in the in-memory repository are invisible to the API.
func (c Config) ValidateStandaloneWorker() error {
	var problems []string
	if strings.TrimSpace(c.S3Bucket) == "" {
		problems = append(problems, "S3_BUCKET is required for a standalone worker")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "DATABASE_URL is required for a standalone worker")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid worker configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.ServiceName, f.Service.Name)
	if f.Service.Port > 0 {
		c.Port = strconv.Itoa(f.Service.Port)
	}
	setString(&c.LogLevel, f.Service.LogLevel)

	setString(&c.DatabaseURL, f.Database.URL)
	setInt(&c.DBMaxConns, f.Database.MaxConns)
	if f.Database.AutoMigrate != nil {
		c.DBAutoMigrate = *f.Database.AutoMigrate
	}

	setString(&c.RedisAddr, f.Redis.Addr)
	setInt(&c.RedisDB, f.Redis.DB)

	setString(&c.ReportsQueue, f.Queue.Name)
	setString(&c.ReportsDLQ, f.Queue.DLQ)
	setString(&c.ReportsGroup, f.Queue.Group)
	setInt(&c.QueueMaxAttempts, f.Queue.MaxAttempts)

	if f.Worker.Enabled != nil {
		c.WorkerEnabled = *f.Worker.Enabled
	}
	setInt(&c.WorkerConcurrency, f.Worker.Concurrency)
	if err := setDuration(&c.GenerationTimeout, f.Worker.GenerationTimeout); err != nil {
		return fmt.Errorf("worker.generation_timeout: %w", err)
	}

	if err := setDuration(&c.DownloadURLTTL, f.Storage.DownloadURLTTL); err != nil {
		return fmt.Errorf("storage.download_url_ttl: %w", err)
	}
	setString(&c.S3Bucket, f.Storage.S3Bucket)
	setString(&c.S3Region, f.Storage.S3Region)
	setString(&c.S3Endpoint, f.Storage.S3Endpoint)
	setString(&c.PublicBaseURL, f.Storage.PublicBaseURL)

	setString(&c.AuthzMode, f.Auth.AuthzMode)

	if len(f.Events.KafkaBrokers) > 0 {
		c.KafkaBrokers = f.Events.KafkaBrokers
	}
	setString(&c.KafkaTopic, f.Events.KafkaTopic)

	if f.HTTP.RateLimitRPS > 0 {
		c.RateLimitRPS = f.HTTP.RateLimitRPS
	}
	setInt(&c.RateLimitBurst, f.HTTP.RateLimitBurst)
	if len(f.HTTP.CORSAllowedOrigins) > 0 {
		c.CORSAllowedOrigins = f.HTTP.CORSAllowedOrigins
	}
	return nil
}

func defaultConsumerName(serviceName string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return serviceName + "-1"
	}
	return serviceName + "-" + host
}

func setString(target *string, value string) {
	if strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func setInt(target *int, value int) {
	if value > 0 {
		*target = value
	}
}

func setDuration(target *time.Duration, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	*target = parsed
	return nil
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
