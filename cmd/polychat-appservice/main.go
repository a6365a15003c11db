// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command polychat-appservice runs the Polychat bridging core: a Matrix
// appservice that links one group conversation across IRC, Signal,
// Telegram, WhatsApp and other Matrix rooms via per-network bridge bots.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"go.mau.fi/util/exzerolog"

	"github.com/polychat/polychat-appservice/pkg/polychat"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath   = flag.StringP("config", "c", "config.yaml", "Path to the config file")
	printVersion = flag.BoolP("version", "v", false, "Print the version and exit")
	printExample = flag.BoolP("generate-example-config", "e", false, "Print the example config and exit")
)

func main() {
	flag.Parse()
	if *printVersion {
		fmt.Printf("polychat-appservice %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *printExample {
		fmt.Print(polychat.ExampleConfig)
		return
	}

	cfg, err := polychat.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging.Level)
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting polychat-appservice")

	transport, err := polychat.NewMatrixTransport(log, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up appservice transport")
	}

	svc := polychat.NewService(log, cfg, transport, nil)
	transport.Subscribe(svc.Router())
	api := polychat.NewAPIServer(log, cfg, svc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport.Start(ctx)
	if err := svc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start polychat service")
	}
	go func() {
		if err := api.Start(); err != nil {
			log.Error().Err(err).Msg("API server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	// Stop accepting new work, let in-flight handlers finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown error")
	}
	transport.Stop()
	log.Info().Msg("Shutdown complete")
}

func newLogger(levelStr string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		level = zerolog.InfoLevel
	}
	writer := zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.TimeFormat = time.StampMilli
	})
	log := zerolog.New(writer).With().Timestamp().Logger().Level(level)
	exzerolog.SetupDefaults(&log)
	return log
}
