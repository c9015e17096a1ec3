package cmd

import (
	"github.com/spf13/cobra"
	"proctoring-recorder/config"
	server2 "proctoring-recorder/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start http server and merge workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunHttp(config)
		},
	}
}
