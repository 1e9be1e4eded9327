// Package cmd defines and implements the CLI commands for the discovery crawler.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/discovery-crawler/internal/config"
	"github.com/JakeFAU/discovery-crawler/internal/logging"
	"github.com/JakeFAU/discovery-crawler/internal/server"
)

// stateKeyType is the key for storing loaded state in the command context.
type stateKeyType string

const stateKey stateKeyType = "state"

type state struct {
	cfg    *config.Config
	logger *zap.Logger
}

// buildApp is the application factory; tests replace it.
var buildApp = server.Build

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "discovery-crawler",
		Short: "A continuous content-discovery crawler.",
		Long: `discovery-crawler builds a diverse, de-duplicated stream of sources for a
topic: articles, outlinks and Wikipedia citations. It scores their relevance
and hands accepted items to the agent-memory feed.`,
		SilenceUsage: true,

		// Load config and logging before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := context.WithValue(cmd.Context(), stateKey, &state{cfg: &cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the DISCOVERY_ prefix")

	cmd.AddCommand(newRunCmd(), newServeCmd(), newPlanCmd(), newMigrateCmd())
	return cmd
}

func resolveState(ctx context.Context) (*state, error) {
	st, ok := ctx.Value(stateKey).(*state)
	if !ok || st == nil {
		return nil, errors.New("configuration not loaded")
	}
	return st, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
