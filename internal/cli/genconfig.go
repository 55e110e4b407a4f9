package cli

import (
	"fmt"
	"os"

	"github.com/ruslanjabari/soketi/internal/config"
	"github.com/ruslanjabari/soketi/internal/tools"

	"github.com/spf13/cobra"
)

func GenConfigCommand() *cobra.Command {
	var outputConfigFile string
	cmd := &cobra.Command{
		Use:   "genconfig",
		Short: "Generate minimal configuration file to start with",
		Long:  `Generate minimal configuration file with one app with random credentials`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := genConfig(outputConfigFile); err != nil {
				fmt.Printf("error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVarP(&outputConfigFile, "config", "c", "config.json", "path to output config file")
	return cmd
}

func genConfig(outputConfigFile string) error {
	err := tools.GenerateConfig(outputConfigFile)
	if err != nil {
		return err
	}
	cfg, _, err := config.GetConfig(nil, outputConfigFile)
	if err != nil {
		_ = os.Remove(outputConfigFile)
		return fmt.Errorf("error getting config: %w", err)
	}
	err = cfg.Validate()
	if err != nil {
		_ = os.Remove(outputConfigFile)
		return fmt.Errorf("error validating config: %w", err)
	}
	return nil
}
