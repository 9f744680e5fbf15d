// Copyright 2024 The cnc-robot-control Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemonconfig loads process-level settings for the daemon: where
// motor.conf lives, the log level, and the configurable speed ceiling.
// This is deliberately separate from internal/motorconf's bespoke
// character state machine, which parses the declarative motor/axis
// grammar itself.
package daemonconfig

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/cncerr"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/stepper"
)

// Config is the daemon's process-level configuration.
type Config struct {
	// BaseDir is the installation directory containing motor.conf.
	BaseDir string
	// LogLevel is a zap level name: debug, info, warn, error.
	LogLevel string
	// MaxPulsesPerSecond is the configurable speed ceiling enforced by
	// stepper.SetSpeedMultiple. Defaults to
	// stepper.DefaultMaxPulsesPerSecond; Load rejects values <= 0.
	MaxPulsesPerSecond int
}

// Load reads configuration from an optional file at path (if non-empty)
// plus CNC_-prefixed environment variable overrides, e.g.
// CNC_MAX_PULSES_PER_SECOND.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CNC")
	v.AutomaticEnv()

	v.SetDefault("base_dir", "/etc/cnc-robot-control")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_pulses_per_second", stepper.DefaultMaxPulsesPerSecond)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(cncerr.Configuration, "reading daemon config %s: %v", path, err)
		}
	}

	cfg := &Config{
		BaseDir:            v.GetString("base_dir"),
		LogLevel:           v.GetString("log_level"),
		MaxPulsesPerSecond: v.GetInt("max_pulses_per_second"),
	}
	if cfg.MaxPulsesPerSecond <= 0 {
		return nil, errors.Wrap(cncerr.Configuration, "max_pulses_per_second must be positive")
	}
	return cfg, nil
}
