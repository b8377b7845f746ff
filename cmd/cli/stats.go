package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/chatforge/jobs-service/internal/queue"
	"github.com/spf13/cobra"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depths per job family",
	Long: `Print per-family job counts by status, plus any jobs that have been
locked in processing for longer than the stale threshold.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stores := allStores()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FAMILY\tPENDING\tPROCESSING\tCOMPLETED\tFAILED\tSTUCK")

	for _, family := range familyNames() {
		store := stores[family]

		counts, err := store.CountByStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to count %s jobs: %w", family, err)
		}
		stuck, err := store.Stuck(ctx, cfg.Workers.StaleAfter)
		if err != nil {
			return fmt.Errorf("failed to list stuck %s jobs: %w", family, err)
		}

		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
			family,
			counts[queue.StatusPending],
			counts[queue.StatusProcessing],
			counts[queue.StatusCompleted],
			counts[queue.StatusFailed],
			len(stuck))

		sort.Slice(stuck, func(i, j int) bool {
			return stuck[i].LockedAt.Before(*stuck[j].LockedAt)
		})
		for _, job := range stuck {
			lockedBy := ""
			if job.LockedBy != nil {
				lockedBy = *job.LockedBy
			}
			fmt.Fprintf(w, "  %s\tlocked by %s since %s (attempt %d)\t\t\t\t\n",
				job.ID, lockedBy, job.LockedAt.Format(time.RFC3339), job.Attempts)
		}
	}

	return w.Flush()
}
