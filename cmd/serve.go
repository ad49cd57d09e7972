package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"heartbeatmonitor/handlers"
	"heartbeatmonitor/metrics"
	"heartbeatmonitor/services"
)

var serveMigrate bool

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply the database schema before serving")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest and sweep HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}

		store, conn, err := openStore(ctx, serveMigrate)
		if err != nil {
			return err
		}
		if conn != nil {
			defer conn.Close()
		}

		ingestor := services.NewIngestor(store, cfg.HeartbeatInterval(), logger)
		reconciler := services.NewReconciler(store, buildNotifier(), logger)

		if cfg.Features.ScheduledSweepEnabled {
			scheduler := services.NewSweepScheduler(reconciler, logger)
			if err := scheduler.Schedule(cfg.Sweep.Schedule); err != nil {
				return err
			}
			scheduler.Start()
			defer scheduler.Stop()
			logger.Info("scheduled sweep enabled", "schedule", cfg.Sweep.Schedule)
		}

		logger.Info("features",
			"auth", cfg.Features.AuthEnabled,
			"scheduledSweep", cfg.Features.ScheduledSweepEnabled,
			"deadLetter", cfg.Features.DeadLetterEnabled)

		gin.SetMode(gin.ReleaseMode)
		opts := handlers.RouterOptions{
			Logger:      logger,
			AuthEnabled: cfg.Features.AuthEnabled,
			JWTSecret:   cfg.Auth.JWTSecret,
			Gatherer:    prometheus.DefaultGatherer,
		}
		if conn != nil {
			opts.Health = conn
		}
		router := handlers.NewRouter(handlers.NewMonitorHandler(ingestor, reconciler, store, logger), opts)

		srv := &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("server starting", "port", cfg.Server.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			return err
		}

		logger.Info("shutting down", "timeout", cfg.Server.GracefulTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// buildNotifier combines every alert channel that is configured.
func buildNotifier() services.Notifier {
	var channels services.MultiNotifier
	if cfg.Notify.SendGridAPIKey != "" && cfg.Notify.AlertEmail != "" {
		channels = append(channels, services.NewEmailNotifier(cfg.Notify.SendGridAPIKey, cfg.Notify.AlertEmail, logger))
	}
	if cfg.Notify.SlackWebhookURL != "" {
		channels = append(channels, services.NewSlackNotifier(cfg.Notify.SlackWebhookURL))
	}
	if len(channels) == 0 {
		return services.NopNotifier{}
	}
	return channels
}
