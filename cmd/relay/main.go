package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"telemetry-relay/internal/config"
	"telemetry-relay/internal/relay"
)

func main() {
	flags := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	mode := flags.StringP("mode", "m", "", "start mode: car, individual or dev (default car, or RELAY_MODE)")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, config.Usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("parse flags: %v", err)
	}

	cfg, err := config.Load(*mode)
	if err != nil {
		if errors.Is(err, config.ErrUsage) {
			fmt.Fprint(os.Stderr, config.Usage)
		}
		log.Fatalf("load config: %v", err)
	}

	logger := relay.BuildLogger(cfg, os.Stdout)
	r, err := relay.New(cfg, logger)
	if err != nil {
		logger.Error("relay initialization failed", "error", err)
		os.Exit(1)
	}

	if err := r.Run(context.Background()); err != nil {
		logger.Error("relay runtime failed", "error", err)
		os.Exit(1)
	}
}
