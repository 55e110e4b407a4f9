package main

import (
	"github.com/ruslanjabari/soketi/internal/app"
	"github.com/ruslanjabari/soketi/internal/cli"
)

func main() {
	rootCmd := app.Soketi()
	rootCmd.AddCommand(
		cli.Version(),
		cli.CheckConfig(),
		cli.GenConfigCommand(),
		cli.DefaultConfigCommand(),
		cli.SignChannel(),
		cli.SignRequest(),
	)
	_ = rootCmd.Execute()
}
