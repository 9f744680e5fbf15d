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

// Package cnccontext hoists the process-wide state the original
// implementation kept as globals (GPIO controllers, the task registry,
// the loaded motor/axis graph) into an explicit value constructed once
// at startup and threaded through the daemon, so components can be
// exercised in tests without sharing hidden global state.
package cnccontext

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/daemonconfig"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/gpio"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/motorconf"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/stepper"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/task"
)

// Context bundles everything a running daemon needs, in place of the
// process-wide globals the original kept in the GPIO, task and config
// modules.
type Context struct {
	Log      *zap.Logger
	Facade   *gpio.Facade
	Registry *task.Registry
	Engine   *stepper.Engine
	Config   *daemonconfig.Config
	Motors   *motorconf.Result
}

// New builds a Context: opens the GPIO controllers, creates the task
// registry and stepper engine, and parses motor.conf from cfg.BaseDir.
func New(cfg *daemonconfig.Config, log *zap.Logger) (*Context, error) {
	if log == nil {
		log = zap.NewNop()
	}

	facade, err := gpio.NewFacade(log)
	if err != nil {
		return nil, err
	}
	registry := task.NewRegistry()
	engine := stepper.NewEngine(facade, registry, cfg.MaxPulsesPerSecond, log)

	path := filepath.Join(cfg.BaseDir, motorconf.ConfigFileName)
	result, err := motorconf.Load(path, engine, func(p string) (io.ReadCloser, error) {
		return os.Open(p)
	})
	if err != nil {
		return nil, err
	}

	return &Context{
		Log:      log,
		Facade:   facade,
		Registry: registry,
		Engine:   engine,
		Config:   cfg,
		Motors:   result,
	}, nil
}

// Shutdown destroys every motor in reverse construction order, collecting
// any per-motor teardown failures into a single combined error rather
// than stopping at the first one.
func (c *Context) Shutdown() error {
	var errs error
	for i := len(c.Motors.MotorNames) - 1; i >= 0; i-- {
		name := c.Motors.MotorNames[i]
		if m := c.Motors.MotorByName(name); m != nil {
			if err := m.Destroy(); err != nil {
				c.Log.Warn("error destroying motor", zap.String("motor", name), zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}
