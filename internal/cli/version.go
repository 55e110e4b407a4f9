package cli

import (
	"fmt"
	"runtime"

	"github.com/ruslanjabari/soketi/internal/build"

	"github.com/spf13/cobra"
)

func Version() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Soketi version information",
		Long:  `Print the version information of Soketi`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(versionString())
		},
	}
}

func versionString() string {
	return fmt.Sprintf("Soketi v%s (Go version: %s)", build.Version, runtime.Version())
}
