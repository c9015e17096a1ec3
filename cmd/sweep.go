package cmd

import (
	"encoding/json"
	"github.com/spf13/cobra"
	"proctoring-recorder/config"
	server2 "proctoring-recorder/server"
	"proctoring-recorder/service"
)

func sweep(config *config.Config) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "run one consistency sweep over all stored segments",
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

			sweepService := service.NewSweepService(repo, backends, service.SweepOptions{
				BatchSize:   config.Sweep.BatchSize,
				VerifyBytes: verify || config.Sweep.VerifyBytes,
			}, nil)
			report := sweepService.Run(ctx)
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		},
	}
	cmd.Flags().BoolVar(&verify, "verify-bytes", false, "also check that every segment location holds bytes")
	return cmd
}
