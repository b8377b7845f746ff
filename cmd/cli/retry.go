package main

import (
	"context"

	"github.com/spf13/cobra"
)

var retryLimit int

// retryCmd represents the retry-failed command
var retryCmd = &cobra.Command{
	Use:   "retry-failed <family>",
	Short: "Move failed jobs back to pending",
	Long: `Reset failed jobs in one family back to pending with a fresh attempt
budget. Oldest failures are reset first.`,
	Example: `  jobs-service retry-failed embeddings
  jobs-service retry-failed line-events --limit 100`,
	Args: cobra.ExactArgs(1),
	RunE: runRetryFailed,
}

func init() {
	rootCmd.AddCommand(retryCmd)

	retryCmd.Flags().IntVar(&retryLimit, "limit", 50, "Maximum number of jobs to reset")
}

func runRetryFailed(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := familyStore(args[0])
	if err != nil {
		return err
	}

	reset, err := store.ResetFailed(ctx, retryLimit)
	if err != nil {
		return err
	}

	logger.Info().Str("family", args[0]).Int("reset", reset).Msg("Failed jobs reset")
	return nil
}
