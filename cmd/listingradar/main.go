package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ListingRadar/internal/config"
	"ListingRadar/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads configuration, logging the rejection before the real logger exists.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		logging.New("error", "text").Error("configuration rejected", "error", err)
		return config.Config{}, err
	}
	return cfg, nil
}
