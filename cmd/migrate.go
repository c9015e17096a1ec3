package cmd

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"proctoring-recorder/config"
	server2 "proctoring-recorder/server"
)

func migrate(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create or update the proctoring report tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := server2.SetupLogger(config)
			repo, err := server2.NewRepository(config)
			if err != nil {
				return err
			}
			if err := repo.Migrate(ctx); err != nil {
				return err
			}
			zerolog.Ctx(ctx).Info().Msg("migration finished")
			return nil
		},
	}
}
