// Command scimbridge runs the SCIM provisioning bridge as a standalone
// server.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/marcelom97/scimbridge"
	"github.com/marcelom97/scimbridge/config"
)

func main() {
	configPath := flag.String("config", "scimbridge.yaml", "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	bridge := scimbridge.New(cfg)
	bridge.SetLogger(logger)

	if err := bridge.Initialize(); err != nil {
		log.Fatalf("Failed to initialize bridge: %v", err)
	}
	defer bridge.Close()

	if err := bridge.Start(); err != nil {
		log.Fatalf("Bridge server stopped: %v", err)
	}
}
