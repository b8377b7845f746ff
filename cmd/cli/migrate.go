package main

import (
	"context"

	"github.com/chatforge/jobs-service/internal/database"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Apply the schema to the connected database. The schema uses
CREATE TABLE IF NOT EXISTS throughout, so running it against an existing
database is safe.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if err := database.Migrate(ctx, database.Pool()); err != nil {
		return err
	}

	logger.Info().Msg("Schema applied")
	return nil
}
