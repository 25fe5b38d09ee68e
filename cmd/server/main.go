package main

import (
	"fmt"
	"os"

	"github.com/RichardoC/legend-coach/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "legend-coach",
	Short: "AI money coach chat backend",
	Long: `legend-coach answers money questions with a language model grounded in a
knowledge base and the caller's recent transactions.

Run without a subcommand to start the HTTP server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		var err error
		if cfg, err = config.FromEnv(); err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if logger, err = newLogger(cfg); err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), serveAddr)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serveAddr, "addr", "", "listen address (overrides HTTP_ADDR)")
	rootCmd.AddCommand(serveCmd, askCmd, seedCmd)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
