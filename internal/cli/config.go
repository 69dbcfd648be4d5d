// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securechip.
//
// go-securechip is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-securechip/internal/config"
	"github.com/jeremyhahn/go-securechip/pkg/logging"
	"github.com/jeremyhahn/go-securechip/pkg/metrics"
)

// loadConfig reads the config file named by --config, or the defaults when
// none is given, then applies the command line flags on top. Environment
// overrides are applied in both cases.
func (a *app) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if path := a.v.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		config.ApplyEnvOverrides(cfg)
	}

	if driver := a.v.GetString("driver"); driver != "" {
		cfg.Chip.Driver = strings.ToLower(driver)
	}
	if dir := a.v.GetString("data-dir"); dir != "" {
		cfg.Storage.Path = dir
	}
	if a.v.GetBool("verbose") {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}
	return cfg, nil
}

// newLogger builds the slog backed logger described by cfg. Logs go to the
// command's error stream so they never mix with command output.
func (a *app) newLogger(cfg *config.Config) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewSlogAdapter(&logging.SlogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Writer: a.errOut,
	}), nil
}
