package main

import (
	"fmt"

	"github.com/RichardoC/legend-coach/internal/api"
	"github.com/RichardoC/legend-coach/internal/auth"
	"github.com/RichardoC/legend-coach/internal/config"
	"github.com/RichardoC/legend-coach/internal/db"
	"github.com/RichardoC/legend-coach/internal/llm"
	"github.com/RichardoC/legend-coach/internal/retrieval"
	"github.com/RichardoC/legend-coach/internal/supabase"
	"go.uber.org/zap"
)

type store interface {
	retrieval.DocumentStore
	retrieval.TransactionStore
}

// buildHandler wires every component from cfg. The returned cleanup closes
// the database, if one was opened.
func buildHandler(cfg config.Config, logger *zap.Logger) (*api.Handler, func(), error) {
	for _, p := range cfg.Problems() {
		logger.Error("configuration problem", zap.String("problem", p))
	}

	cleanup := func() {}
	var backend store
	switch cfg.StoreDriver {
	case config.DriverSQLite, config.DriverPostgres:
		database, err := db.New(cfg.StoreDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		cleanup = func() { database.Close() }
		backend = database
	default:
		backend = supabase.New(supabase.Config{
			URL:        cfg.SupabaseURL,
			ServiceKey: cfg.ServiceKey,
			AnonKey:    cfg.AnonKey,
		})
	}

	var verifier auth.Verifier = auth.NoVerifier
	if cfg.SupabaseURL != "" {
		if client, ok := backend.(*supabase.Client); ok {
			verifier = client
		} else {
			verifier = supabase.New(supabase.Config{URL: cfg.SupabaseURL, ServiceKey: cfg.ServiceKey, AnonKey: cfg.AnonKey})
		}
	}

	llmService, err := llm.New(cfg, logger.Named("llm"))
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	handler := api.NewHandler(
		auth.NewResolver(verifier, auth.Options{
			AnonKey:       cfg.AnonKey,
			TrustAsserted: cfg.TrustAssertedUserID,
		}, logger.Named("auth")),
		retrieval.NewKnowledge(backend, logger.Named("knowledge")),
		retrieval.NewTransactions(backend, logger.Named("transactions")),
		llmService,
		logger,
	)
	return handler, cleanup, nil
}
