// Package main is the entry point for the trade-fleet daemon.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"trade-fleet/internal/app"
	"trade-fleet/internal/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file with account credentials")
	flag.Parse()

	// Credentials are referenced by env var name from account documents.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := app.New(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "trade-fleet: %v\n", err)
		os.Exit(1)
	}
}
