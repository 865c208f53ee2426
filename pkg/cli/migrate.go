package cli

import (
	"github.com/spf13/cobra"

	"github.com/crawlscope/crawlscope/pkg/database"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Apply pending database migrations",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, rootOpts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			db, err := database.NewConnection(cmd.Context(), database.ConfigFrom(&cfg.Database))
			if err != nil {
				return err
			}
			defer db.Close()

			return migrate(db, logger)
		},
	}
}
