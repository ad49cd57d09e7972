package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"heartbeatmonitor/config"
	"heartbeatmonitor/db"
	"heartbeatmonitor/logging"
	"heartbeatmonitor/services"
)

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "heartbeat-monitor",
	Short: "Heartbeat window reconciliation and report forwarding",
	Long: `heartbeat-monitor records periodic service heartbeats against fixed
monitoring windows, closes due windows while accounting for missing reports,
and forwards reports from a durable stream to the ingest API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logger = logging.New(cfg.Logging.Level, cfg.Logging.JSON)
		return nil
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
}

// openStore returns the configured window store. The *sql.DB is nil for the
// memory driver.
func openStore(ctx context.Context, migrate bool) (services.WindowStore, *sql.DB, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("using in-memory window store; state is lost on exit")
		return services.NewMemoryStore(), nil, nil
	}

	conn, err := db.Open(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if migrate || cfg.Features.MigrateOnStartup {
		if err := db.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
		logger.Info("database schema verified")
	}
	return services.NewPostgresStore(conn), conn, nil
}
