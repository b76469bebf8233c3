package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			a.withDatabase(true)
			if err := a.start(ctx); err != nil {
				return err
			}
			a.logger.WithContext(ctx).Info("Migrations applied")
			return nil
		},
	}
}
