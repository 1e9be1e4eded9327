package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/discovery-crawler/internal/crawler"
)

func newPlanCmd() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the seed plan for the configured topic",
		Long: `Builds the seed plan (generated when planner.use_llm is set, static
otherwise), prints it as JSON and optionally seeds the frontier with it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := resolveState(cmd.Context())
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), st.cfg, st.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() { _ = app.Close(cmd.Context()) }()

			plan := app.Planner().Plan(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(plan); err != nil {
				return fmt.Errorf("encode plan: %w", err)
			}
			if !seed {
				return nil
			}
			report, err := app.Planner().SeedFrontier(cmd.Context(), plan, crawler.OriginSeed)
			if err != nil {
				return fmt.Errorf("seed frontier: %w", err)
			}
			_, err = fmt.Fprintf(cmd.ErrOrStderr(), "seeded %d (duplicates %d, capped %d, invalid %d)\n",
				report.Enqueued, report.Duplicates, report.Capped, report.Invalid)
			return err
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "also enqueue the plan into the frontier")
	return cmd
}
