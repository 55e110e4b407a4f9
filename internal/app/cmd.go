package app

import (
	"github.com/ruslanjabari/soketi/internal/config"

	"github.com/spf13/cobra"
)

func Soketi() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "",
		Short: "Soketi",
		Long:  "Soketi is a Pusher protocol compatible WebSocket server",
		Run: func(cmd *cobra.Command, args []string) {
			Run(cmd, configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "config.json", "path to config file")
	config.DefineFlags(cmd)
	return cmd
}
