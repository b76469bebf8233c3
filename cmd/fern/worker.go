package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/server"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/trigger"
)

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued batch runs and execute the workflow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return work(ctx, opts)
		},
	}
}

func work(ctx context.Context, opts *rootOptions) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	a.withDatabase(a.cfg.DatabaseMigrateOnStart).withRedis()
	if err := a.start(ctx); err != nil {
		return err
	}

	orch, executions, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}

	processor := queue.NewProcessor(
		redis.NewStreams(a.redis),
		orch,
		executions,
		redis.NewLocker(a.redis, trigger.LockKeyPrefix),
		a.cfg.Processor(),
		a.logger,
	)
	if err := processor.Start(ctx); err != nil {
		return err
	}

	// health and metrics only
	checker := a.healthChecker()
	srv := server.New(a.cfg, a.logger, checker)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	checker.SetReady(true)

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.WorkflowTimeout+shutdownTimeout)
	defer cancel()
	checker.SetReady(false)
	if stopErr := processor.Stop(shutdownCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}
