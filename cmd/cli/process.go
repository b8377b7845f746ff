package main

import (
	"context"
	"fmt"

	"github.com/chatforge/jobs-service/internal/chat"
	"github.com/chatforge/jobs-service/internal/database"
	"github.com/chatforge/jobs-service/internal/embeddings"
	"github.com/chatforge/jobs-service/internal/importer"
	"github.com/chatforge/jobs-service/internal/lineevents"
	"github.com/chatforge/jobs-service/internal/queue"
	"github.com/chatforge/jobs-service/internal/takeover"
	"github.com/spf13/cobra"
)

var (
	processBatch int
	processJobID string
)

// processCmd represents the process command
var processCmd = &cobra.Command{
	Use:   "process <family>",
	Short: "Run one processing cycle for a job family",
	Long: `Run a single bounded processing cycle for one job family, exactly as
the HTTP trigger endpoints do. The cycle leases up to --batch eligible jobs,
runs them, and reports the aggregate counts.

The import-items family processes one import job at a time and requires --job.`,
	Example: `  jobs-service process embeddings
  jobs-service process line-events --batch 20
  jobs-service process import-items --job 4f6b72a1-...`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

// sweepCmd represents the sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Sweep expired human-takeover windows",
	Long: `Clear expired human-takeover windows and generate a pending response
where the conversation ended on an unanswered user message.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(sweepCmd)

	processCmd.Flags().IntVar(&processBatch, "batch", 0, "Batch size (defaults to the configured size for the family)")
	processCmd.Flags().StringVar(&processJobID, "job", "", "Import job id (import-items only)")
	sweepCmd.Flags().IntVar(&processBatch, "batch", 0, "Batch size (defaults to the configured size)")
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	family := args[0]

	store, err := familyStore(family)
	if err != nil {
		return err
	}

	switch family {
	case "embeddings":
		svc := embeddings.NewService(database.Pool(), store, embeddings.NewClient(cfg.Embeddings), logger)
		runner := queue.NewRunner(store, svc.Handler(), logger)
		return reportCycle(runner.RunCycle(ctx, batchOr(cfg.Workers.EmbeddingBatchSize), queue.WorkerID("cli-embed")))

	case "line-events":
		responder := chat.NewClient(cfg.Chat.APIURL, cfg.Chat.ServiceToken)
		svc := lineevents.NewService(database.Pool(), store, responder, lineevents.NewPushClient(cfg.Line), logger)
		return reportCycle(svc.Runner().RunCycle(ctx, batchOr(cfg.Workers.LineBatchSize), queue.WorkerID("cli-line")))

	case "import-items":
		if processJobID == "" {
			return fmt.Errorf("--job is required for the import-items family")
		}
		embeddingStore, err := familyStore("embeddings")
		if err != nil {
			return err
		}
		embeddingSvc := embeddings.NewService(database.Pool(), embeddingStore, embeddings.NewClient(cfg.Embeddings), logger)
		svc := importer.NewService(database.Pool(), store, embeddingSvc, logger)

		summary, err := svc.ProcessJob(ctx, processJobID, batchOr(cfg.Workers.ImportBatchSize), queue.WorkerID("cli-import"))
		if err != nil {
			return err
		}
		logger.Info().
			Str("job_id", summary.ID).
			Str("status", summary.Status).
			Int("total", summary.TotalCount).
			Int("processed", summary.ProcessedCount).
			Int("success", summary.SuccessCount).
			Int("failure", summary.FailureCount).
			Msg("Import job cycle finished")
		return nil

	default:
		return fmt.Errorf("unknown family: %s", family)
	}
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	responder := chat.NewClient(cfg.Chat.APIURL, cfg.Chat.ServiceToken)
	sweeper := takeover.NewSweeper(database.Pool(), responder, logger)

	summary, err := sweeper.Sweep(ctx, batchOr(cfg.Workers.TakeoverBatchSize), queue.WorkerID("cli-takeover"))
	if err != nil {
		return err
	}
	logger.Info().
		Int("processed", summary.Processed).
		Int("responded", summary.Responded).
		Int("failed", summary.Failed).
		Msg("Sweep finished")
	return nil
}

func batchOr(def int) int {
	if processBatch > 0 {
		return processBatch
	}
	return def
}

func reportCycle(summary queue.Summary, err error) error {
	if err != nil {
		return err
	}
	logger.Info().
		Int("processed", summary.Processed).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("Cycle finished")
	return nil
}
