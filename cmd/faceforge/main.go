package main

import (
	"fmt"
	"os"

	"faceforge/internal/cli"
	"faceforge/internal/config"
	"faceforge/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logging: %v\n", err)
		os.Exit(1)
	}

	if err := cli.NewRootCmd(cfg, logger).Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
