package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"fleetauth/pkg/telemetry"
	"fleetauth/services/agent"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetauth-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath, "path to agent configuration file")
	installURL := flag.String("install", "", "redeem a one-time install URL, write the config and exit")
	once := flag.Bool("once", false, "sync a single time and exit")
	allowHTTP := flag.Bool("allow-insecure-http", false, "accept a plain http install URL")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	_ = godotenv.Load()

	logger, err := telemetry.NewLogger("fleetauth-agent", *logLevel, "json", os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := telemetry.HTTPClient(0)

	if *installURL != "" {
		cfg, err := agent.Bootstrap(ctx, client, *installURL, agent.Config{AllowInsecureHTTP: *allowHTTP})
		if err != nil {
			return err
		}
		if err := agent.WriteConfig(*configPath, cfg); err != nil {
			return err
		}
		logger.Info().Str("config", *configPath).Str("api", cfg.API).Msg("agent configured")
		return nil
	}

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	svc, err := agent.NewService(cfg, client, logger)
	if err != nil {
		return err
	}

	if *once {
		status, err := svc.SyncOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info().Str("status", status).Msg("sync complete")
		return nil
	}

	if err := runService(ctx, svc, logger); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
