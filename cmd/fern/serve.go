package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/internal/server"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/trigger"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and, when enabled, the interval scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	a.withDatabase(a.cfg.DatabaseMigrateOnStart).withRedis()
	if err := a.start(ctx); err != nil {
		return err
	}

	locker := redis.NewLocker(a.redis, trigger.LockKeyPrefix)
	trg := trigger.NewTrigger(redis.NewStreams(a.redis), locker, a.cfg.Trigger(), a.logger)

	checker := a.healthChecker()
	srv := server.NewAPI(a.cfg, a.logger, checker,
		handlers.NewBatchHandler(trg),
		handlers.NewEmployeeHandler(repositories.NewEmployeeRepository(a.db, a.logger)),
		handlers.NewReportHandler(repositories.NewReportRepository(a.db, a.logger), a.cfg.ReportYear),
		handlers.NewExecutionHandler(repositories.NewWorkflowExecutionRepository(a.db, a.logger)),
	)

	var sched *scheduler.Scheduler
	if a.cfg.SchedulerEnabled {
		sched = scheduler.NewScheduler(trg.WithSource(trigger.SourceScheduler), a.cfg.Scheduler(), a.logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	checker.SetReady(true)

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	checker.SetReady(false)
	if sched != nil {
		_ = sched.Stop(shutdownCtx)
	}
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}
