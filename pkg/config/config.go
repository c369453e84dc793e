// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the daemon's configuration: defaults, then a
// YAML file, then environment variable overrides, using koanf/v2 --
// grounded on dantte-lp-gobfd/internal/config.Load's three-layer
// loader -- and validates the result with go-playground/validator
// struct tags, grounded on the `validate:"..."` tag convention used
// across the retrieval pack's config packages.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/go-iscsi/initiator/pkg/iqn"
)

// Config holds the complete iscsid daemon configuration.
type Config struct {
	Initiator InitiatorConfig `koanf:"initiator"`
	IPC       IPCConfig       `koanf:"ipc"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// InitiatorConfig names this host on the wire.
type InitiatorConfig struct {
	Name  string `koanf:"name" validate:"required"`
	Alias string `koanf:"alias"`
}

// IPCConfig configures the local client-facing Unix socket (spec.md §6).
// iscsid listens on it as a stream socket, not a datagram socket.
type IPCConfig struct {
	SocketPath string        `koanf:"socket_path" validate:"required"`
	Timeout    time.Duration `koanf:"timeout" validate:"required"`
}

// DiscoveryConfig configures the periodic SendTargets loop (spec.md §4.8).
type DiscoveryConfig struct {
	Interval time.Duration `koanf:"interval" validate:"required"`
}

// LogConfig controls internal/ipclog.
type LogConfig struct {
	Level      string `koanf:"level" validate:"required,oneof=trace debug info warn error"`
	Format     string `koanf:"format" validate:"required,oneof=text json"`
	File       string `koanf:"file"`
	MaxSizeMiB int    `koanf:"max_size_mb" validate:"omitempty,min=1,max=1024"`
	MaxFiles   int    `koanf:"max_files" validate:"omitempty,min=1,max=20"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Addr string `koanf:"addr" validate:"required"`
	Path string `koanf:"path" validate:"required"`
}

// envPrefix is the environment-variable prefix for iscsid configuration.
// Variables are named ISCSID_<SECTION>_<KEY>, e.g. ISCSID_IPC_SOCKET_PATH.
const envPrefix = "ISCSID_"

// Default returns a Config populated with the values spec.md §6 names
// as defaults: initiator identity, the 250ms client-I/O timeout from
// spec.md §4.8, and a conservative discovery interval.
func Default() *Config {
	return &Config{
		Initiator: InitiatorConfig{
			Name:  iqn.DefaultInitiatorName,
			Alias: iqn.DefaultInitiatorAlias,
		},
		IPC: IPCConfig{
			SocketPath: "/var/run/iscsid.sock",
			Timeout:    250 * time.Millisecond,
		},
		Discovery: DiscoveryConfig{
			Interval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9115",
			Path: "/metrics",
		},
	}
}

// Load reads configuration from the YAML file at path (if path is
// non-empty; a file that cannot be read is an error), overlays ISCSID_-prefixed
// environment variables, and merges on top of Default(). It validates
// the result before returning.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, Default()); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return cfg, nil
}

// envKeyMapper transforms ISCSID_IPC_SOCKET_PATH -> ipc.socket_path.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaults := map[string]any{
		"initiator.name":       d.Initiator.Name,
		"initiator.alias":      d.Initiator.Alias,
		"ipc.socket_path":      d.IPC.SocketPath,
		"ipc.timeout":          d.IPC.Timeout.String(),
		"discovery.interval":   d.Discovery.Interval.String(),
		"log.level":            d.Log.Level,
		"log.format":           d.Log.Format,
		"log.file":             d.Log.File,
		"log.max_size_mb":      d.Log.MaxSizeMiB,
		"log.max_files":        d.Log.MaxFiles,
		"metrics.addr":         d.Metrics.Addr,
		"metrics.path":         d.Metrics.Path,
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// validate is a package-level instance, per go-playground/validator's
// own documented usage (construction caches struct reflection).
var validate = validator.New()

// Validate checks cfg's struct tags and cross-field invariants the
// tags cannot express (initiator name must be a well-formed IQN or
// EUI name, per spec.md §6).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if err := iqn.Validate(cfg.Initiator.Name); err != nil {
		return fmt.Errorf("initiator.name: %w", err)
	}
	return nil
}
