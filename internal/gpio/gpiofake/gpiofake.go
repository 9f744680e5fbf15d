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

// Package gpiofake is an in-memory stand-in for the gpio façade, letting
// the stepper, axis and motorconf packages exercise real motion and
// parsing logic in tests without a board or periph.io's host drivers.
package gpiofake

import (
	"sync"

	periphgpio "periph.io/x/periph/conn/gpio"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/gpio"
)

// Line is a fake gpio.Line that records every level it was driven to.
type Line struct {
	mu     sync.Mutex
	level  periphgpio.Level
	writes []periphgpio.Level
}

func (l *Line) Out(lv periphgpio.Level) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lv
	l.writes = append(l.writes, lv)
	return nil
}

// Read returns the most recently written level.
func (l *Line) Read() periphgpio.Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Writes returns every level this line was driven to, in order.
func (l *Line) Writes() []periphgpio.Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]periphgpio.Level, len(l.writes))
	copy(out, l.writes)
	return out
}

// Facade is a gpio.FacadeAPI that hands out fake lines instead of
// resolving real header pins, so every pin number is accepted.
type Facade struct {
	mu    sync.Mutex
	lines map[gpio.PinID]*Line
}

// NewFacade returns a ready-to-use fake façade.
func NewFacade() *Facade {
	return &Facade{lines: map[gpio.PinID]*Line{}}
}

// Line returns the fake line backing a previously initialised pin, for
// assertions in tests.
func (f *Facade) Line(id gpio.PinID) *Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lines[id]
}

func (f *Facade) lineFor(id gpio.PinID) *Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lines[id]
	if !ok {
		l = &Line{}
		f.lines[id] = l
	}
	return l
}

// InitPin implements gpio.FacadeAPI.
func (f *Facade) InitPin(id gpio.PinID, dir gpio.Direction, initLevel bool) (*gpio.Pin, error) {
	l := f.lineFor(id)
	if dir == gpio.DirectionOutput {
		_ = l.Out(levelOf(initLevel))
	}
	return gpio.WrapLine(l, dir), nil
}

// InitBulk implements gpio.FacadeAPI.
func (f *Facade) InitBulk(ids []gpio.PinID, dir gpio.Direction, initLevels []bool) (*gpio.Bulk, error) {
	lines := make([]gpio.Line, len(ids))
	for i, id := range ids {
		l := f.lineFor(id)
		if dir == gpio.DirectionOutput {
			_ = l.Out(levelOf(initLevels[i]))
		}
		lines[i] = l
	}
	return gpio.WrapBulkLines(lines), nil
}

func levelOf(v bool) periphgpio.Level {
	if v {
		return periphgpio.High
	}
	return periphgpio.Low
}
