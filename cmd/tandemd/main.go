package main

import (
	"flag"
	"os"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/otavioch/tandem/internal/daemon"
)

func main() {
	configFlag := flag.String("config", "", "path to config.toml (default ~/.tandem/config.toml)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		configPath = filepath.Join(home, ".tandem", "config.toml")
	}

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: configPath}),
	)

	app.Run()
}
