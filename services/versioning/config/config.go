// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads stampvc.yaml.
//
// Precedence, lowest first: DefaultConfig, the YAML file, STAMPVC_*
// environment variables. The merged result is validated with
// go-playground/validator struct tags.
//
// # Example
//
//	cfg, err := config.Load("~/.stampvc/stampvc.yaml")
//	if err != nil {
//	    return err
//	}
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/stampvc/services/versioning/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config is the root of stampvc.yaml.
type Config struct {
	// DataDir holds the Badger files. A leading ~ expands to the home
	// directory. Required unless Storage.InMemory is set.
	DataDir string `yaml:"data_dir"`

	Storage   StorageConfig    `yaml:"storage"`
	Commit    CommitConfig     `yaml:"commit"`
	Taxonomy  TaxonomyConfig   `yaml:"taxonomy"`
	Broadcast BroadcastConfig  `yaml:"broadcast"`
	API       APIConfig        `yaml:"api"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StorageConfig tunes the Badger database.
type StorageConfig struct {
	InMemory        bool          `yaml:"in_memory"`
	SyncWrites      bool          `yaml:"sync_writes"`
	GCInterval      time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio  float64       `yaml:"gc_discard_ratio" validate:"gte=0,lt=1"`
	ConflictRetries int           `yaml:"conflict_retries" validate:"gte=0,lte=64"`
}

// CommitConfig tunes the commit pipeline.
type CommitConfig struct {
	// BuiltinCheckers registers the nid-sign and logic-graph checkers.
	BuiltinCheckers bool `yaml:"builtin_checkers"`
	MetricsEnabled  bool `yaml:"metrics_enabled"`
	TracingEnabled  bool `yaml:"tracing_enabled"`
}

// TaxonomyConfig tunes the taxonomy accumulator.
type TaxonomyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Parallelism bounds concurrent chronology processing. 0 means
	// GOMAXPROCS.
	Parallelism int `yaml:"parallelism" validate:"gte=0"`
}

// BroadcastConfig enables publishing commit records to NATS.
type BroadcastConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url" validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subject_prefix" validate:"omitempty,excludesall=*> "`
}

// APIConfig configures the read-only HTTP API.
type APIConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// Mode is the gin mode: "release", "debug" or "test".
	Mode string `yaml:"mode" validate:"omitempty,oneof=release debug test"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// DefaultConfig returns durable single-node defaults.
func DefaultConfig() Config {
	return Config{
		DataDir: "~/.stampvc/data",
		Storage: StorageConfig{
			SyncWrites:      true,
			GCInterval:      5 * time.Minute,
			GCDiscardRatio:  0.5,
			ConflictRetries: 8,
		},
		Commit: CommitConfig{
			BuiltinCheckers: true,
			MetricsEnabled:  true,
		},
		Taxonomy: TaxonomyConfig{Enabled: true},
		Broadcast: BroadcastConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "stampvc",
		},
		API:       APIConfig{Addr: "127.0.0.1:8085", Mode: "release"},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the YAML file at path over DefaultConfig, applies
// environment overrides and validates the result.
//
// # Description
//
// An empty path, or a path that does not exist, yields the defaults plus
// overrides. Unknown YAML keys are rejected so typos surface at startup.
//
// # Outputs
//
//   - Config: The merged configuration.
//   - error: Read, parse or validation failure. Validation failures wrap
//     ErrInvalidConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(expandPath(path))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := decode(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Validate checks struct tags and returns an error wrapping
// ErrInvalidConfig that names every failing field.
func (c Config) Validate() error {
	var fields []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
		}
	}
	if c.DataDir == "" && !c.Storage.InMemory {
		fields = append(fields, "Config.DataDir (required unless storage.in_memory)")
	}
	if c.Broadcast.Enabled && (c.Broadcast.URL == "" || c.Broadcast.SubjectPrefix == "") {
		fields = append(fields, "Config.Broadcast (url and subject_prefix required when enabled)")
	}
	if len(fields) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
}

// ResolvedDataDir is DataDir with ~ expanded.
func (c Config) ResolvedDataDir() string {
	return expandPath(c.DataDir)
}

// Write marshals cfg to path, creating parent directories.
func Write(path string, cfg Config) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// applyEnv overlays STAMPVC_* variables. lookup is os.LookupEnv outside
// tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("STAMPVC_DATA_DIR", &cfg.DataDir)
	str("STAMPVC_API_ADDR", &cfg.API.Addr)
	str("STAMPVC_LOG_LEVEL", &cfg.Logging.Level)
	str("STAMPVC_LOG_DIR", &cfg.Logging.Dir)
	str("STAMPVC_NATS_URL", &cfg.Broadcast.URL)
	for key, dst := range map[string]*bool{
		"STAMPVC_IN_MEMORY": &cfg.Storage.InMemory,
		"STAMPVC_LOG_JSON":  &cfg.Logging.JSON,
		"STAMPVC_BROADCAST": &cfg.Broadcast.Enabled,
	} {
		if err := boolean(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
