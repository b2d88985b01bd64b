package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/config"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/logging"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/storage"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Create the directory and media tables",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			logging.Init(cfg.Log)

			driver := cfg.BasicConfig.Database
			db, err := storage.Open(driver, cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := storage.Migrate(db, driver); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			log.Info().Str("driver", driver).Msg("database migrated")
			fmt.Fprintln(cmd.OutOrStdout(), "migrated", driver)
			return nil
		},
	}
}
