package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nhy497/rs-system-sub000/internal/buildinfo"
	"github.com/nhy497/rs-system-sub000/internal/client/cli"
	"github.com/nhy497/rs-system-sub000/internal/client/config"
	"github.com/nhy497/rs-system-sub000/internal/logging"
)

func main() {
	buildinfo.PrintBuildData(os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(cfg.LogLevel)
	app, err := cli.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}
