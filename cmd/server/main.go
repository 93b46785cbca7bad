// Package main provides the entry point for the ReceiptRelay HTTP server.
// The server fronts the Gemini API with a rotating credential pool, retry
// and rate limiting, and exposes text, chat and document analysis routes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/router-for-me/ReceiptRelay/internal/api"
	"github.com/router-for-me/ReceiptRelay/internal/app"
	"github.com/router-for-me/ReceiptRelay/internal/config"
	"github.com/router-for-me/ReceiptRelay/internal/logging"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "config.yaml"
)

const shutdownTimeout = 30 * time.Second

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	var showVersion bool
	var noWatch bool
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&noWatch, "no-watch", false, "Do not reload the config file on change")
	flag.Parse()

	if showVersion {
		fmt.Printf("ReceiptRelay Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)
		return
	}

	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if err := run(configPath, !noWatch); err != nil {
		log.Errorf("relay stopped: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool) error {
	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	warnings, err := config.ValidateConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	logging.SetLogLevel(cfg.EffectiveLogLevel())
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayApp, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg, relayApp.Service, relayApp.Store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	if watch {
		g.Go(func() error {
			if errWatch := config.Watch(gctx, configPath, server.UpdateConfig); errWatch != nil {
				log.WithError(errWatch).Warn("config watcher disabled")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errStop := server.Stop(shutdownCtx)
		errClose := relayApp.Close(shutdownCtx)
		return errors.Join(errStop, errClose)
	})
	return g.Wait()
}
