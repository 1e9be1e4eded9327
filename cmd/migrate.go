package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/discovery-crawler/internal/server"
)

// migrate is replaceable in tests.
var migrate = server.Migrate

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := resolveState(cmd.Context())
			if err != nil {
				return err
			}
			if st.cfg.Database.DSN == "" {
				return errors.New("database.dsn is required for migrate")
			}
			return migrate(cmd.Context(), st.cfg, st.logger)
		},
	}
}
