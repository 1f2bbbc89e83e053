package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Поддерживаемые хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

const envPrefix = "GROCERY_"

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string // пустой адрес отключает gRPC health
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int
	PostgresConnMaxLife time.Duration

	KafkaBrokers string // через запятую; пусто: outbox не публикуется

	OutboxPollInterval  time.Duration
	OutboxBatchSize     int
	OutboxMaxAttempts   int
	OutboxRetryDelay    time.Duration
	OutboxBacklogMaxAge time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	OTLPEndpoint string
	OTLPInsecure bool

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":3000",
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		PostgresMaxConns:            25,
		PostgresConnMaxLife:         30 * time.Minute,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            50 * time.Millisecond,
		OutboxBacklogMaxAge:         5 * time.Minute,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		OTLPInsecure:                true,
		RequestTimeout:              10 * time.Second,
		ShutdownTimeout:             5 * time.Second,
		LogLevel:                    "info",
		LogFormat:                   "text",
	}
}

// LoadConfigFromEnv читает переменные GROCERY_* поверх DefaultConfig.
// Некорректное значение: ошибка: сервис не стартует с частично применённой конфигурацией.
func LoadConfigFromEnv(getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	r := envReader{getenv: getenv}

	r.str("HTTP_ADDR", &cfg.HTTPAddr)
	r.strAllowEmpty("GRPC_ADDR", &cfg.GRPCAddr)
	r.str("METRICS_ADDR", &cfg.MetricsAddr)
	r.str("STORAGE_DRIVER", &cfg.StorageDriver)
	r.str("POSTGRES_DSN", &cfg.PostgresDSN)
	r.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	r.integer("POSTGRES_MAX_CONNS", &cfg.PostgresMaxConns)
	r.duration("POSTGRES_CONN_MAX_LIFETIME", &cfg.PostgresConnMaxLife)
	r.str("KAFKA_BROKERS", &cfg.KafkaBrokers)
	r.duration("OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	r.integer("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	r.integer("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	r.duration("OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)
	r.duration("OUTBOX_BACKLOG_MAX_AGE", &cfg.OutboxBacklogMaxAge)
	r.duration("IDEMPOTENCY_TTL", &cfg.IdempotencyTTL)
	r.duration("IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	r.integer("IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)
	r.str("OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	r.boolean("OTLP_INSECURE", &cfg.OTLPInsecure)
	r.duration("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	r.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	r.str("LOG_LEVEL", &cfg.LogLevel)
	r.str("LOG_FORMAT", &cfg.LogFormat)

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http addr is required"))
	}
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, fmt.Errorf("%sPOSTGRES_DSN is required for postgres storage", envPrefix))
		}
		if c.PostgresMaxConns <= 0 {
			errs = append(errs, errors.New("postgres max conns must be > 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("outbox batch size must be > 0"))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox max attempts must be > 0"))
	}
	if c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("outbox poll interval must be > 0"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("idempotency ttl must be > 0"))
	}
	if c.IdempotencyCleanupBatchSize <= 0 {
		errs = append(errs, errors.New("idempotency cleanup batch size must be > 0"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be > 0"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be > 0"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Brokers возвращает список Kafka brokers без пустых элементов.
func (c Config) Brokers() []string {
	chunks := strings.Split(c.KafkaBrokers, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// ConfigureLogger применяет уровень и формат логирования logrus.
func ConfigureLogger(cfg Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (r *envReader) lookup(name string) (string, bool) {
	v := strings.TrimSpace(r.getenv(envPrefix + name))
	return v, v != ""
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

// strAllowEmpty позволяет явно отключить компонент значением "off".
func (r *envReader) strAllowEmpty(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		if strings.EqualFold(v, "off") {
			v = ""
		}
		*dst = v
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = parsed
}

func (r *envReader) integer(name string, dst *int) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = parsed
}

func (r *envReader) duration(name string, dst *time.Duration) {
	v, ok := r.lookup(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = parsed
}
