package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var purgeOlderThan time.Duration

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "Delete windows closed longer ago than this")
	rootCmd.AddCommand(purgeCmd)
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete closed windows and their heartbeats past the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		ctx := cmd.Context()
		store, conn, err := openStore(ctx, false)
		if err != nil {
			return err
		}
		if conn != nil {
			defer conn.Close()
		}

		cutoff := time.Now().UTC().Add(-purgeOlderThan)
		removed, err := store.DeleteWindowsClosedBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge windows: %w", err)
		}
		logger.Info("purged closed windows", "removed", removed, "cutoff", cutoff)
		fmt.Printf("removed %d window(s) closed before %s\n", removed, cutoff.Format(time.RFC3339))
		return nil
	},
}
