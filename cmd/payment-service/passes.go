package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Dhoini/channel-subscriptions/internal/app"
	"github.com/Dhoini/channel-subscriptions/internal/db"
	"github.com/Dhoini/channel-subscriptions/internal/service"
	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expire pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(cmd, func(ctx context.Context, s *service.Sweeper) (service.PassResult, error) {
				return s.ExpirePass(ctx)
			})
		},
	}
}

func remindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Run one reminder pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(cmd, func(ctx context.Context, s *service.Sweeper) (service.PassResult, error) {
				return s.ReminderPass(ctx)
			})
		},
	}
}

// runPass выполняет один проход и печатает итог в stdout в формате JSON
func runPass(cmd *cobra.Command, pass func(context.Context, *service.Sweeper) (service.PassResult, error)) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	application, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := application.Close(closeCtx); err != nil {
			log.Errorw("Cleanup finished with errors", "error", err)
		}
	}()

	res, err := pass(ctx, application.Sweeper)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(res)
}

func migrateCmd() *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending SQL migrations from database.migrations_path.

Examples:
  payment-service migrate
  payment-service migrate --down 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			client, err := db.NewDBClient(cmd.Context(), cfg.Database.ConnString(), log)
			if err != nil {
				return err
			}
			defer client.Close()

			if down > 0 {
				return client.Rollback(cfg.Database.MigrationsPath, down)
			}
			if down < 0 {
				return fmt.Errorf("--down must be positive, got %d", down)
			}
			return client.Migrate(cfg.Database.MigrationsPath)
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "roll back the given number of migrations instead of applying")
	return cmd
}
