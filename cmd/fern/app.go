package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/credentials"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/filetracker"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/merge"
	"github.com/Ramsey-B/fern/pkg/objectstore"
	"github.com/Ramsey-B/fern/pkg/objectstore/local"
	s3store "github.com/Ramsey-B/fern/pkg/objectstore/s3"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
	"github.com/Ramsey-B/fern/pkg/workflow"
)

const (
	depDatabase   = "database"
	depMigrations = "migrations"
	depRedis      = "redis"
)

// app owns the process-wide dependencies shared by every command.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	zap     *zap.Logger
	startup *startup.Startup
	closers []func(context.Context) error

	secrets credentials.Provider
	db      database.DB
	redis   *redis.Client
	events  *kafka.Producer
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.envFiles...)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	zapLogger, err := newZapLogger(cfg)
	if err != nil {
		return nil, err
	}
	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		zap:     zapLogger,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}

	var exporter sdktrace.SpanExporter = exporters.DiscardExporter{}
	if cfg.OTLPEnabled {
		exporter, err = exporters.NewOTLPExporter(ctx, cfg.OTLP())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
	}
	a.closers = append(a.closers, tracing.Setup(cfg.AppName, exporter))

	a.secrets, err = a.secretsProvider(ctx)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build(zap.Fields(zap.String("app", cfg.AppName), zap.String("version", cfg.Version)))
}

func (a *app) secretsProvider(ctx context.Context) (credentials.Provider, error) {
	if a.cfg.SecretsProvider == "secretsmanager" {
		return credentials.NewSecretsManagerProviderFromConfig(ctx, a.cfg.AWSRegion, a.logger)
	}
	return credentials.NewEnvProvider(), nil
}

// withDatabase registers the database and, when enabled, the migration run.
func (a *app) withDatabase(migrate bool) *app {
	a.startup.AddDependency(startup.Func{
		Name: depDatabase,
		StartFn: func(ctx context.Context) error {
			conn, err := a.connectionConfig(ctx)
			if err != nil {
				return err
			}
			db, err := database.Open(ctx, conn, a.logger)
			if err != nil {
				return err
			}
			a.db = db
			return nil
		},
		StopFn: func(context.Context) error {
			if a.db == nil {
				return nil
			}
			return a.db.Close()
		},
	})
	if migrate {
		a.startup.AddDependency(startup.Func{
			Name:    depMigrations,
			Needs:   []string{depDatabase},
			StartFn: a.migrate,
		})
	}
	return a
}

func (a *app) withRedis() *app {
	a.startup.AddDependency(startup.Func{
		Name: depRedis,
		StartFn: func(ctx context.Context) error {
			client, err := redis.NewClient(ctx, a.cfg.Redis(), a.logger)
			if err != nil {
				return err
			}
			a.redis = client
			return nil
		},
		StopFn: func(context.Context) error {
			if a.redis == nil {
				return nil
			}
			return a.redis.Close()
		},
	})
	return a
}

// connectionConfig overlays the database secret on the configured connection.
func (a *app) connectionConfig(ctx context.Context) (database.ConnectionConfig, error) {
	conn := a.cfg.Database()
	if a.cfg.DatabaseSecretID == "" {
		return conn, nil
	}

	secret, err := credentials.NewStageCache(a.secrets).Resolve(ctx, a.cfg.DatabaseSecretID)
	if err != nil {
		return conn, err
	}
	creds, err := credentials.DatabaseFromSecret(secret, nil)
	if err != nil {
		return conn, err
	}
	conn.Host = creds.Host
	conn.Port = creds.Port
	conn.User = creds.Username
	conn.Password = creds.Password
	if creds.DBName != "" {
		conn.Name = creds.DBName
	}
	return conn, nil
}

func (a *app) migrate(ctx context.Context) error {
	pool, ok := a.db.(interface{ SQL() *sql.DB })
	if !ok {
		return errors.New("database does not expose a sql pool for migrations")
	}
	conn, err := a.connectionConfig(ctx)
	if err != nil {
		return err
	}
	return database.NewMigrationService(a.logger, a.cfg.Migration()).MigratePostgres(pool.SQL(), conn.Name)
}

func (a *app) start(ctx context.Context) error {
	return a.startup.Start(ctx)
}

func (a *app) close(ctx context.Context) {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.WithContext(ctx).WithError(err).Warn("Failed to close kafka producer")
		}
	}
	if err := a.startup.Stop(ctx); err != nil {
		a.logger.WithContext(ctx).WithError(err).Warn("Failed to stop dependencies")
	}
	for _, closeFn := range a.closers {
		if err := closeFn(ctx); err != nil {
			a.logger.WithContext(ctx).WithError(err).Warn("Failed to close")
		}
	}
	_ = a.zap.Sync()
}

func (a *app) objectStore(ctx context.Context) (objectstore.Store, error) {
	var store objectstore.Store = local.New(a.cfg.StoreLocalRoot)
	if a.cfg.StoreBackend == "s3" {
		s3, err := s3store.NewFromConfig(ctx, a.cfg.S3(), a.logger)
		if err != nil {
			return nil, err
		}
		store = s3
	}
	a.logger.WithContext(ctx).Infof("Reading source files from %s store at %s", a.cfg.StoreBackend, store.Location())
	return store, nil
}

func (a *app) importer(store objectstore.Store) loader.Importer {
	if a.cfg.Importer == "aws_s3" {
		mapping := credentials.FieldMapping{}
		if a.cfg.ImportKeyIDPath != "" {
			mapping["access_key_id"] = a.cfg.ImportKeyIDPath
		}
		if a.cfg.ImportSecretPath != "" {
			mapping["secret_access_key"] = a.cfg.ImportSecretPath
		}
		return loader.NewS3TableImporter(a.cfg.S3Bucket, a.cfg.AWSRegion, a.cfg.ImportSecretID, mapping, a.cfg.ImportHeader)
	}
	return loader.NewCopyImporter(store, a.cfg.ImportHeader)
}

// eventPublisher returns nil when no brokers are configured.
func (a *app) eventPublisher() workflow.EventPublisher {
	if a.cfg.KafkaBrokers == "" {
		return nil
	}
	if a.events == nil {
		a.events = kafka.NewProducer(a.cfg.Kafka(), a.logger)
	}
	return a.events
}

// orchestrator builds the pipeline over the started database.
func (a *app) orchestrator(ctx context.Context) (*workflow.Orchestrator, *repositories.WorkflowExecutionRepository, error) {
	store, err := a.objectStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	tracker := filetracker.NewTracker(store, a.cfg.FileExtension, a.logger)
	ldr := loader.NewLoader(a.db, tracker, a.importer(store), a.secrets, a.logger)
	executions := repositories.NewWorkflowExecutionRepository(a.db, a.logger)

	orch := workflow.NewOrchestrator(ldr, merge.NewEngine(a.db, a.logger), executions, a.eventPublisher(), a.cfg.Workflow(), a.logger)
	return orch, executions, nil
}

func (a *app) healthChecker() *health.Checker {
	checker := health.NewChecker(a.cfg.Version)
	if a.db != nil {
		checker.AddCheck(depDatabase, a.db.PingContext)
	}
	if a.redis != nil {
		checker.AddCheck(depRedis, a.redis.Ping)
	}
	return checker
}
