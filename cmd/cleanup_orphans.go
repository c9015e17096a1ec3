package cmd

import (
	"encoding/json"
	"github.com/spf13/cobra"
	"proctoring-recorder/config"
	server2 "proctoring-recorder/server"
	"proctoring-recorder/service"
)

func cleanupOrphans(config *config.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "cleanup-orphans",
		Short: "delete stored bytes left behind by replaced or unregistered uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := server2.SetupLogger(config)
			backends, err := server2.NewBackends(ctx, config)
			if err != nil {
				return err
			}
			repo, err := server2.NewRepository(config)
			if err != nil {
				return err
			}

			orphanService := service.NewOrphanService(repo, backends, server2.RetryPolicy(config), nil)
			report, err := orphanService.Purge(ctx, limit)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of orphans to purge")
	return cmd
}
