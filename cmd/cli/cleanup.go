package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var cleanupOlderThan time.Duration

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old terminal job rows",
	Long: `Delete completed and failed job rows older than the retention window
from every family table. Pending and processing rows are never touched.`,
	Example: `  jobs-service cleanup
  jobs-service cleanup --older-than 168h`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "Retention window for terminal rows")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	total := 0
	for _, family := range familyNames() {
		store, err := familyStore(family)
		if err != nil {
			return err
		}
		deleted, err := store.DeleteTerminal(ctx, cleanupOlderThan)
		if err != nil {
			return err
		}
		logger.Info().Str("family", family).Int("deleted", deleted).Msg("Terminal rows deleted")
		total += deleted
	}

	logger.Info().Int("total", total).Msg("Cleanup finished")
	return nil
}
