// Command licensed runs the license server.
package main

import (
	"flag"
	"log/slog"
	"os"

	"keygate/internal/app"
)

func main() {
	configFile := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	application, err := app.New(*configFile)
	if err != nil {
		slog.Error("failed to initialize license server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("license server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
