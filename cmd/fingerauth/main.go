package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fingerauth/internal/cli"
	"fingerauth/internal/config"
	"fingerauth/internal/logging"
	"fingerauth/internal/pipeline"
	"fingerauth/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	devices, err := cli.DeviceRegistry(cfg, log)
	if err != nil {
		return err
	}
	enroller, err := cli.NewEnroller(cfg, devices, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe, err := pipeline.New(ctx, cfg, log, store, enroller)
	if err != nil {
		return err
	}
	defer pipe.Stop()

	root := cli.NewRoot(pipe, cfg, log, store, devices)
	return root.Run(ctx, os.Args[1:])
}
