package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/objectstore/s3"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
	"github.com/Ramsey-B/fern/pkg/trigger"
	"github.com/Ramsey-B/fern/pkg/workflow"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" envDefault:"fern"`
	Version                       string   `env:"APP_VERSION" envDefault:"dev"`
	Port                          int      `env:"PORT" envDefault:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" envDefault:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" envDefault:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" envDefault:"30"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" envDefault:"30"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" envDefault:"60"`
	HttpServerBodyLimit           string   `env:"HTTP_SERVER_BODY_LIMIT" envDefault:"2M"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" envDefault:"*"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" envDefault:"5"`

	// Database connection. DB_SECRET_ID, when set, overrides host, port, user,
	// password and name from the secret store.
	DatabaseDriver          string        `env:"DB_DRIVER" envDefault:"postgres"`
	DatabaseHost            string        `env:"DB_HOST" envDefault:"localhost"`
	DatabasePort            string        `env:"DB_PORT" envDefault:"5432"`
	DatabaseUserName        string        `env:"DB_USER_NAME" envDefault:"postgres"`
	DatabasePassword        string        `env:"DB_PASSWORD" envDefault:""`
	DatabaseName            string        `env:"DB_NAME" envDefault:"fern"`
	DatabaseSSLMode         string        `env:"DB_SSL_MODE" envDefault:"disable"`
	DatabaseSecretID        string        `env:"DB_SECRET_ID" envDefault:""`
	DatabaseMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DatabaseMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	// Migrations
	DatabaseMigrationFolderPath   string `env:"DB_MIGRATION_FOLDER_PATH" envDefault:"db/pg"`
	DatabaseMigrationVersion      uint   `env:"DB_MIGRATION_VERSION" envDefault:"0"`
	DatabaseMigrationForce        int    `env:"DB_MIGRATION_FORCE" envDefault:"0"`
	DatabaseMigrationAutoRollback bool   `env:"DB_MIGRATION_AUTO_ROLLBACK" envDefault:"true"`
	DatabaseMigrateOnStart        bool   `env:"DB_MIGRATE_ON_START" envDefault:"true"`

	// Secrets: "env" reads JSON documents from environment variables named by
	// the secret id, "secretsmanager" reads AWS Secrets Manager.
	SecretsProvider string `env:"SECRETS_PROVIDER" envDefault:"env"`
	AWSRegion       string `env:"AWS_REGION" envDefault:"us-east-1"`

	// Object store holding {domain}/{dataset}/{unprocessed,processed}/ files
	StoreBackend   string `env:"STORE_BACKEND" envDefault:"local"`
	StoreLocalRoot string `env:"STORE_LOCAL_ROOT" envDefault:"./data"`
	S3Bucket       string `env:"S3_BUCKET" envDefault:""`
	S3Endpoint     string `env:"S3_ENDPOINT" envDefault:""`
	S3PathStyle    bool   `env:"S3_PATH_STYLE" envDefault:"false"`
	SourceDomain   string `env:"SOURCE_DOMAIN" envDefault:"hr"`
	FileExtension  string `env:"SOURCE_FILE_EXTENSION" envDefault:".csv"`

	// Bulk import: "copy" streams through COPY FROM STDIN, "aws_s3" has RDS
	// pull the object with aws_s3.table_import_from_s3.
	Importer         string `env:"IMPORTER" envDefault:"copy"`
	ImportHeader     bool   `env:"IMPORT_HEADER" envDefault:"false"`
	ImportSecretID   string `env:"IMPORT_SECRET_ID" envDefault:"fern/import"`
	ImportKeyIDPath  string `env:"IMPORT_SECRET_ACCESS_KEY_ID_PATH" envDefault:""`
	ImportSecretPath string `env:"IMPORT_SECRET_SECRET_ACCESS_KEY_PATH" envDefault:""`

	// Workflow
	WorkflowTimeout           time.Duration `env:"WORKFLOW_TIMEOUT" envDefault:"10m"`
	WorkflowLoadMode          string        `env:"WORKFLOW_LOAD_MODE" envDefault:"sequential"`
	WorkflowRequireStagedRows bool          `env:"WORKFLOW_REQUIRE_STAGED_ROWS" envDefault:"false"`
	WorkflowFailOnDegraded    bool          `env:"WORKFLOW_FAIL_ON_DEGRADED" envDefault:"false"`

	// Redis
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Redis Streams worker
	RedisStreamsJobQueue      string `env:"REDIS_STREAMS_JOB_QUEUE" envDefault:"fern:workflows"`
	RedisStreamsConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" envDefault:"fern-workers"`
	// Consumer name (defaults to hostname if empty)
	RedisStreamsConsumerName string        `env:"REDIS_STREAMS_CONSUMER_NAME" envDefault:""`
	WorkerCount              int           `env:"WORKER_COUNT" envDefault:"1"`
	WorkerClaimInterval      time.Duration `env:"WORKER_CLAIM_INTERVAL" envDefault:"30s"`
	// Zero derives the claim threshold from WORKFLOW_TIMEOUT
	WorkerClaimMinIdle time.Duration `env:"WORKER_CLAIM_MIN_IDLE" envDefault:"0s"`

	// Scheduler
	SchedulerEnabled  bool          `env:"SCHEDULER_ENABLED" envDefault:"false"`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1h"`

	// Kafka lifecycle events; empty brokers disables publishing
	KafkaBrokers string `env:"KAFKA_BROKERS" envDefault:""`
	KafkaTopic   string `env:"KAFKA_EVENTS_TOPIC" envDefault:"fern.workflow-events"`

	// Reports
	ReportYear int `env:"REPORT_YEAR" envDefault:"2021"`

	// Tracing
	OTLPEnabled  bool   `env:"OTLP_ENABLED" envDefault:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTLPProtocol string `env:"OTLP_PROTOCOL" envDefault:"grpc"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" envDefault:"true"`
}

// Load reads the given .env files when present, then the environment.
func Load(envFiles ...string) (*Config, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, fmt.Errorf("failed to load env files: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required when STORE_BACKEND=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.Importer {
	case "copy":
	case "aws_s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required when IMPORTER=aws_s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown IMPORTER %q", c.Importer))
	}
	switch c.SecretsProvider {
	case "env", "secretsmanager":
	default:
		errs = append(errs, fmt.Errorf("unknown SECRETS_PROVIDER %q", c.SecretsProvider))
	}
	switch workflow.LoadMode(c.WorkflowLoadMode) {
	case workflow.LoadSequential, workflow.LoadConcurrent:
	default:
		errs = append(errs, fmt.Errorf("unknown WORKFLOW_LOAD_MODE %q", c.WorkflowLoadMode))
	}
	if c.WorkflowTimeout <= 0 {
		errs = append(errs, errors.New("WORKFLOW_TIMEOUT must be positive"))
	}
	if c.ReportYear < 1 {
		errs = append(errs, errors.New("REPORT_YEAR must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) Database() database.ConnectionConfig {
	return database.ConnectionConfig{
		Driver:          c.DatabaseDriver,
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migration() *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: c.DatabaseMigrationFolderPath,
		Version:             c.DatabaseMigrationVersion,
		Force:               c.DatabaseMigrationForce,
		AutoRollback:        c.DatabaseMigrationAutoRollback,
	}
}

func (c *Config) Redis() redis.Config {
	return redis.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

func (c *Config) S3() s3.Config {
	return s3.Config{
		Bucket:    c.S3Bucket,
		Region:    c.AWSRegion,
		Endpoint:  c.S3Endpoint,
		PathStyle: c.S3PathStyle,
	}
}

func (c *Config) Kafka() kafka.Config {
	return kafka.ParseConfig(c.KafkaBrokers, c.KafkaTopic)
}

func (c *Config) Workflow() workflow.Config {
	return workflow.Config{
		Domain:            c.SourceDomain,
		Timeout:           c.WorkflowTimeout,
		Mode:              workflow.LoadMode(c.WorkflowLoadMode),
		RequireStagedRows: c.WorkflowRequireStagedRows,
		FailOnDegraded:    c.WorkflowFailOnDegraded,
	}
}

func (c *Config) Trigger() trigger.Config {
	return trigger.Config{
		Stream:  c.RedisStreamsJobQueue,
		LockTTL: c.WorkflowTimeout,
	}
}

// Processor keeps the claim threshold above the workflow timeout so a run that
// is still inside its deadline is never taken over.
func (c *Config) Processor() queue.ProcessorConfig {
	cfg := queue.DefaultProcessorConfig()
	cfg.Stream = c.RedisStreamsJobQueue
	cfg.ConsumerGroup = c.RedisStreamsConsumerGroup
	if c.RedisStreamsConsumerName != "" {
		cfg.ConsumerName = c.RedisStreamsConsumerName
	}
	cfg.WorkerCount = c.WorkerCount
	cfg.ClaimInterval = c.WorkerClaimInterval

	minIdle := c.WorkflowTimeout + 2*time.Minute
	if c.WorkerClaimMinIdle > minIdle {
		minIdle = c.WorkerClaimMinIdle
	}
	cfg.ClaimMinIdle = minIdle
	return cfg
}

func (c *Config) Scheduler() scheduler.Config {
	return scheduler.Config{Interval: c.SchedulerInterval}
}

func (c *Config) OTLP() exporters.OTLPConfig {
	return exporters.OTLPConfig{
		Endpoint: c.OTLPEndpoint,
		Protocol: c.OTLPProtocol,
		Insecure: c.OTLPInsecure,
	}
}

func (c *Config) Address() string {
	return ":" + strconv.Itoa(c.Port)
}
