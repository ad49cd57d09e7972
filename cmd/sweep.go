package cmd

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"heartbeatmonitor/models"
	"heartbeatmonitor/services"
)

var sweepWindowID string

func init() {
	sweepCmd.Flags().StringVar(&sweepWindowID, "window-id", "", "Only close this window")
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Close every due window once and print the closed windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, conn, err := openStore(ctx, false)
		if err != nil {
			return err
		}
		if conn != nil {
			defer conn.Close()
		}

		reconciler := services.NewReconciler(store, buildNotifier(), logger)
		closed, err := reconciler.Sweep(ctx, time.Now(), sweepWindowID)
		if err != nil {
			return err
		}
		if closed == nil {
			closed = []models.MonitoringWindow{}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"closed_windows": closed})
	},
}
