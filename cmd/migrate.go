package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.Driver == "memory" {
			return fmt.Errorf("nothing to migrate for the memory driver")
		}
		_, conn, err := openStore(cmd.Context(), true)
		if err != nil {
			return err
		}
		return conn.Close()
	},
}
