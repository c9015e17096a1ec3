package cmd

import (
	"github.com/spf13/cobra"
	"proctoring-recorder/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "proctoring-recorder",
		Short:         "proctoring segment ingestion, merge and media serving",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		server(config),
		migrate(config),
		sweep(config),
		cleanupOrphans(config),
	)
	return rootCmd
}
