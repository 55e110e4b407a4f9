package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ruslanjabari/soketi/internal/config"

	"github.com/spf13/cobra"
)

func CheckConfig() *cobra.Command {
	var checkConfigFile string
	var checkConfigStrict bool
	var checkConfigCmd = &cobra.Command{
		Use:   "checkconfig",
		Short: "Check configuration file",
		Long:  `Check Soketi configuration file`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := checkConfig(cmd, checkConfigFile, checkConfigStrict); err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
		},
	}
	checkConfigCmd.Flags().StringVarP(&checkConfigFile, "config", "c", "config.json", "path to config file to check")
	checkConfigCmd.Flags().BoolVarP(&checkConfigStrict, "strict", "s", false, "strict check - fail on unknown fields")
	return checkConfigCmd
}

func checkConfig(cmd *cobra.Command, checkConfigFile string, strict bool) error {
	cfg, cfgMeta, err := config.GetConfig(cmd, checkConfigFile)
	if err != nil {
		return fmt.Errorf("error getting config: %w", err)
	}
	if cfgMeta.FileNotFound {
		return errors.New("config file not found")
	}
	err = cfg.Validate()
	if err != nil {
		return fmt.Errorf("error validating config: %w", err)
	}
	if strict && len(cfgMeta.UnknownKeys) > 0 {
		return fmt.Errorf("unknown keys in config: %s", strings.Join(cfgMeta.UnknownKeys, ", "))
	}
	return nil
}
