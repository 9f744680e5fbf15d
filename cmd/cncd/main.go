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

// Command cncd is the motion-control daemon: it loads the daemon
// configuration, reserves GPIO lines, parses motor.conf into Stepper and
// Axis instances, and blocks until signaled to shut down.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/cnccontext"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/daemonconfig"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "path to the daemon configuration file (optional)")
	flag.Parse()

	cfg, err := daemonconfig.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	ctx, err := cnccontext.New(cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}

	log.Info("ready",
		zap.Strings("motors", ctx.Motors.MotorNames),
		zap.Strings("axes", ctx.Motors.AxisNames),
		zap.Int("max_pulses_per_second", cfg.MaxPulsesPerSecond),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))
	if err := ctx.Shutdown(); err != nil {
		log.Error("errors during shutdown", zap.Error(err))
		return 1
	}
	return 0
}

func newLogger(level string) (*zap.Logger, error) {
	var zl zapcore.Level
	if err := zl.Set(level); err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	return cfg.Build()
}
