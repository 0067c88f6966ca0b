package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/Dhoini/channel-subscriptions/internal/app"
	"github.com/Dhoini/channel-subscriptions/internal/grpc"
	"github.com/Dhoini/channel-subscriptions/internal/scheduler"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var withoutScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC health server and the background passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			log.Infow("Payment service starting up", "version", Version, "env", cfg.App.Env)

			application, err := app.NewApp(ctx, cfg, log)
			if err != nil {
				return err
			}

			httpServer := application.HTTPServer()
			grpcServer := grpc.NewServer(cfg.GRPC.Port, log)

			var sched *scheduler.Scheduler
			if !withoutScheduler {
				sched = scheduler.New(log)
				jobs, err := application.Jobs()
				if err != nil {
					_ = application.Close(context.Background())
					return err
				}
				for _, job := range jobs {
					if err := sched.Add(job); err != nil {
						_ = application.Close(context.Background())
						return err
					}
				}
			}

			errCh := make(chan error, 2)
			go func() {
				log.Infow("Starting HTTP server", "port", cfg.App.Port)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			go func() {
				if err := grpcServer.Start(); err != nil {
					errCh <- err
				}
			}()
			if sched != nil {
				if err := sched.Start(ctx); err != nil {
					log.Errorw("Failed to start scheduler", "error", err)
				}
			}

			var runErr error
			select {
			case <-ctx.Done():
				log.Infow("Shutdown signal received")
			case runErr = <-errCh:
				log.Errorw("Server failed", "error", runErr)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
			defer cancel()

			// Сначала перестаем принимать запросы, затем дожидаемся фоновой работы
			grpcServer.SetServing(false)
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Errorw("HTTP server shutdown error", "error", err)
			}
			if sched != nil {
				if err := sched.Stop(shutdownCtx); err != nil {
					log.Errorw("Scheduler shutdown error", "error", err)
				}
			}
			if err := application.Close(shutdownCtx); err != nil {
				log.Errorw("Cleanup finished with errors", "error", err)
			}
			grpcServer.Stop(shutdownCtx)

			log.Infow("Payment service stopped")
			return runErr
		},
	}

	cmd.Flags().BoolVar(&withoutScheduler, "no-scheduler", false, "do not run expire and reminder passes in this instance")
	return cmd
}
