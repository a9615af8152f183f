package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/browsergrid/browsergrid/internal/logging"
	wconfig "github.com/browsergrid/browsergrid/internal/worker/config"
	"github.com/browsergrid/browsergrid/worker"
)

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := wconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logging.Setup(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := worker.NewServer(ctx, cfg)
	if err != nil {
		return err
	}

	slog.Info("starting worker", "version", version, "host", cfg.WorkerHost, "addr", cfg.Addr)
	return server.Serve(ctx)
}
