// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/stampvc/pkg/logging"
	"github.com/AleutianAI/stampvc/services/versioning/api"
	"github.com/AleutianAI/stampvc/services/versioning/config"
	"github.com/AleutianAI/stampvc/services/versioning/engine"
	"github.com/AleutianAI/stampvc/services/versioning/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides api.addr)")
	return cmd
}

// serve runs until ctx is canceled, then shuts down in reverse order of
// startup: HTTP server, engine, telemetry, logger.
func (c *cli) serve(ctx context.Context, addr string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.API.Addr = addr
	}

	logger := c.newLogger(cfg)
	defer logger.Close()
	logger.Install()
	log := logger.Slog().With("component", "main")

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	eng, err := engine.Open(ctx, cfg, engine.WithLogger(logger.Slog()))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Close(sctx); err != nil {
			log.Error("close store", "error", err)
		}
	}()

	if cfg.API.Mode != "" {
		gin.SetMode(cfg.API.Mode)
	}
	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.NewRouter(api.NewHandlers(eng, logger.Slog()), logger.Slog()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	if _, err := os.Stat(expandHome(c.configPath)); err == nil {
		watcher, err := config.NewWatcher(expandHome(c.configPath), func(next config.Config) {
			level, err := logging.ParseLevel(next.Logging.Level)
			if err != nil {
				return
			}
			logger.SetLevel(level)
			log.Info("log level reloaded", "level", level.String())
		}, logger.Slog())
		if err != nil {
			log.Warn("config watch disabled", "error", err)
		} else {
			defer watcher.Close()
			g.Go(func() error {
				watcher.Run(gctx)
				return nil
			})
		}
	}

	return g.Wait()
}
