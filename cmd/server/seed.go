package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/RichardoC/legend-coach/internal/config"
	"github.com/RichardoC/legend-coach/internal/db"
	"github.com/RichardoC/legend-coach/internal/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type seedFile struct {
	Documents    []models.KnowledgeDocument `json:"documents"`
	Transactions []struct {
		UserID string `json:"user_id"`
		models.Transaction
	} `json:"transactions"`
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.json>",
	Short: "Load knowledge documents and transactions into the SQL store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.StoreDriver != config.DriverSQLite && cfg.StoreDriver != config.DriverPostgres {
			return fmt.Errorf("seed needs STORE_DRIVER=%s or %s, got %s", config.DriverSQLite, config.DriverPostgres, cfg.StoreDriver)
		}

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var data seedFile
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}

		database, err := db.New(cfg.StoreDriver, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer database.Close()

		ctx := cmd.Context()
		for i := range data.Documents {
			if err := database.SaveDocument(ctx, &data.Documents[i]); err != nil {
				return fmt.Errorf("saving document %d: %w", i, err)
			}
		}
		for i := range data.Transactions {
			row := &data.Transactions[i]
			if row.UserID == "" {
				return fmt.Errorf("transaction %d has no user_id", i)
			}
			if err := database.SaveTransaction(ctx, row.UserID, &row.Transaction); err != nil {
				return fmt.Errorf("saving transaction %d: %w", i, err)
			}
		}

		logger.Info("Seeded database",
			zap.Int("documents", len(data.Documents)),
			zap.Int("transactions", len(data.Transactions)))
		return nil
	},
}
