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
	"fmt"
	"os"

	"github.com/AleutianAI/stampvc/pkg/logging"
	"github.com/AleutianAI/stampvc/services/versioning/config"
	"github.com/AleutianAI/stampvc/services/versioning/engine"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli holds the persistent flags shared by every command.
type cli struct {
	configPath string
	logLevel   string
	jsonOut    bool
	quiet      bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "stampvc",
		Short:         "Bitemporal STAMP version control for terminology content",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `stampvc stores versioned concepts and semantics, commits them through
a checker chain, and maintains a taxonomy that can be queried at any
point in time.

Commands other than serve open the data directory directly and cannot
run while a server holds it.`,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", defaultConfigPath(), "path to the YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print JSON even on a terminal")
	root.PersistentFlags().BoolVarP(&c.quiet, "quiet", "q", false, "suppress console logging")

	root.AddCommand(
		newServeCmd(c),
		newCommitsCmd(c),
		newStampCmd(c),
		newTaxonomyCmd(c),
		newConceptCmd(c),
		newRebuildCmd(c),
		newConfigCmd(c),
		newVersionCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("STAMPVC_CONFIG"); p != "" {
		return p
	}
	return "~/.stampvc/config.yaml"
}

// loadConfig reads the config file and applies flag overrides.
func (c *cli) loadConfig() (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	return cfg, cfg.Validate()
}

func (c *cli) newLogger(cfg config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "stampvc",
		JSON:    cfg.Logging.JSON,
		Quiet:   c.quiet,
		Output:  os.Stderr,
	})
}

// withEngine opens the engine for a one-shot command, runs fn and closes
// the engine.
func (c *cli) withEngine(ctx context.Context, fn func(*engine.Engine) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	logger := c.newLogger(cfg)
	defer logger.Close()

	eng, err := engine.Open(ctx, cfg, engine.WithLogger(logger.Slog()))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	runErr := fn(eng)
	if err := eng.Close(ctx); err != nil {
		logger.Slog().Warn("close store", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the stampvc version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "stampvc", version)
		},
	}
}
