package config

import (
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string `env:"APP_NAME" envDefault:"fleetwatch"`
	Port                          int    `env:"PORT" envDefault:"30005"`
	LogLevel                      string `env:"LOG_LEVEL" envDefault:"info"`
	PrettyLogs                    bool   `env:"PRETTY_LOGS" envDefault:"false"`
	HttpServerWriteTimeoutSeconds int    `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" envDefault:"30"`
	HttpServerReadTimeoutSeconds  int    `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" envDefault:"30"`
	StartupMaxAttempts            int    `env:"STARTUP_MAX_ATTEMPTS" envDefault:"5"`

	// PostgreSQL
	DatabaseHost                string        `env:"DB_HOST" envDefault:"localhost"`
	DatabasePort                string        `env:"DB_PORT" envDefault:"5432"`
	DatabaseUserName            string        `env:"DB_USER_NAME" envDefault:"postgres"`
	DatabasePassword            string        `env:"DB_PASSWORD" envDefault:""`
	DatabaseName                string        `env:"DB_NAME" envDefault:"fleetwatch"`
	DatabaseSSLMode             string        `env:"DB_SSL_MODE" envDefault:"disable"`
	DatabaseMaxOpenConns        int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DatabaseMaxIdleConns        int           `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DatabaseConnMaxLifetime     time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"10m"`
	DatabaseMigrationFolderPath string        `env:"DB_MIGRATION_FOLDER_PATH" envDefault:"db/pg"`
	DatabaseMigrationVersion    int           `env:"DB_MIGRATION_VERSION" envDefault:"0"`
	DatabaseMigrationForce      int           `env:"DB_MIGRATION_FORCE" envDefault:"0"`

	// Ingestion
	IngestRecordDelay  time.Duration `env:"INGEST_RECORD_DELAY" envDefault:"0s"`
	UpdatePeriod       time.Duration `env:"DB_UPDATE_PERIOD" envDefault:"15m"`
	ExpireGraceDays    int           `env:"EXPIRE_GRACE_DAYS" envDefault:"14"`
	DayFilterExpire    int           `env:"DAY_FILTER_EXPIRE" envDefault:"5"`
	RegistrationQueue  int           `env:"CLIENT_REGISTRATION_QUEUE_SIZE" envDefault:"256"`
	ClientSyncInterval time.Duration `env:"CLIENT_SYNC_INTERVAL" envDefault:"24h"`
	ClientSyncDelay    time.Duration `env:"CLIENT_SYNC_DELAY" envDefault:"1500ms"`

	// FTP polling source
	FTPEnabled bool   `env:"FTP_ENABLED" envDefault:"false"`
	FTPHost    string `env:"FTP_HOST" envDefault:""`
	FTPUser    string `env:"FTP_USER" envDefault:""`
	FTPPass    string `env:"FTP_PASS" envDefault:""`

	// Kafka descriptor source
	KafkaEnabled       bool     `env:"KAFKA_CONSUMER_ENABLED" envDefault:"false"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaInputTopic    string   `env:"KAFKA_INPUT_TOPIC" envDefault:"device-descriptors"`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"fleetwatch-consumer"`

	// Remote monitoring endpoint lookups
	MonitoringTimeout    time.Duration `env:"MONITORING_TIMEOUT" envDefault:"20s"`
	MonitoringRetries    int           `env:"MONITORING_RETRIES" envDefault:"3"`
	MonitoringRetryDelay time.Duration `env:"MONITORING_RETRY_DELAY" envDefault:"5s"`

	// Bitrix24 integration
	BitrixEnabled        bool          `env:"BITRIX_ENABLED" envDefault:"false"`
	BitrixWebhookURL     string        `env:"BITRIX_WEBHOOK_URL" envDefault:""`
	BitrixAttempts       int           `env:"BITRIX_ATTEMPTS" envDefault:"5"`
	BitrixRetryDelay     time.Duration `env:"BITRIX_RETRY_DELAY" envDefault:"15s"`
	BitrixSyncInterval   time.Duration `env:"BITRIX_SYNC_INTERVAL" envDefault:"4h"`
	BitrixTaskInterval   time.Duration `env:"BITRIX_TASK_INTERVAL" envDefault:"24h"`
	BitrixTaskDelay      time.Duration `env:"BITRIX_TASK_DELAY" envDefault:"10m"`
	BitrixTaskWindowDays int           `env:"BITRIX_TASK_WINDOW_DAYS" envDefault:"30"`

	// Redis (optional, coordinates DDL and sweeps across replicas)
	RedisEnabled  bool   `env:"REDIS_ENABLED" envDefault:"false"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Tracing
	TracingEnabled bool   `env:"TRACING_ENABLED" envDefault:"false"`
	OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTLPProtocol   string `env:"OTLP_PROTOCOL" envDefault:"grpc"`
}

// Load reads .env when present and binds environment variables.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
