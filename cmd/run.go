package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the discovery loop without the HTTP API",
		Long: `Restores the frontier, seeds it when empty and runs the discovery loop
until interrupted or until --max-iterations passes complete.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("max-iterations") {
				st, err := resolveState(cmd.Context())
				if err != nil {
					return err
				}
				st.cfg.Run.MaxIterations = maxIterations
			}
			return runLoop(cmd, false)
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "stop after this many loop passes (0 runs until interrupted)")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the discovery loop with the operator HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoop(cmd, true)
		},
	}
}

func runLoop(cmd *cobra.Command, serveHTTP bool) error {
	st, err := resolveState(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, st.cfg, st.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := app.Run(ctx, serveHTTP); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
