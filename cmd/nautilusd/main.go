package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/frc-emotion/nautilus/internal/daemon"
	"github.com/frc-emotion/nautilus/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.nautilus/config.toml)")
	debugFlag := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:    name,
			ConfigPath: *configFlag,
			Debug:      *debugFlag,
		}),
		fx.NopLogger,
	)

	app.Run()
}
