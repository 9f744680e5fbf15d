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

// Package axis is the unit-conversion and direction-management layer over
// the stepper engine: it turns millimetre/second commands into
// microsteps and coordinates a group of motors as one logical axis.
package axis

import (
	"github.com/pkg/errors"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/cncerr"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/stepper"
)

// MaxMotors mirrors the stepper engine's per-request motor-count ceiling.
const MaxMotors = stepper.MaxMotorsPerRequest

// Axis is a group of 1..MaxMotors motors that move together along one
// linear dimension, measured in millimetres.
type Axis struct {
	name          string
	motors        []*stepper.Motor
	mmPerRotation float64

	position float64
	speed    float64

	// homeDirection is the relative direction this axis should restore to
	// after a negative move: the axis's own initial sense, captured at
	// construction, not a hard-coded positive. Fixes the latch bug where
	// the original always restored to positive regardless of the axis's
	// natural orientation.
	homeDirection  stepper.RelDirection
	resetDirection bool
}

// Init validates motors (1..MaxMotors, all non-nil) and mmPerRotation > 0,
// and returns an axis with position=0, speed=0, no pending direction
// reset, and a home direction equal to the first motor's current relative
// direction.
func Init(name string, motors []*stepper.Motor, mmPerRotation float64) (*Axis, error) {
	if len(motors) == 0 || len(motors) > MaxMotors {
		return nil, errors.Wrapf(cncerr.InvalidArgument, "axis %q: motor count %d out of range", name, len(motors))
	}
	for _, m := range motors {
		if m == nil {
			return nil, errors.Wrapf(cncerr.InvalidArgument, "axis %q: nil motor handle", name)
		}
	}
	if mmPerRotation <= 0 {
		return nil, errors.Wrapf(cncerr.InvalidArgument, "axis %q: mm_per_rotation must be positive", name)
	}
	return &Axis{
		name:          name,
		motors:        motors,
		mmPerRotation: mmPerRotation,
		homeDirection: motors[0].GetDirectionRel(),
	}, nil
}

// Name returns the axis's configured name.
func (a *Axis) Name() string { return a.name }

func (a *Axis) mmToSteps(mm float64) int {
	return int(mm*float64(a.motors[0].MicrostepsPerRotation())/a.mmPerRotation + 0.5)
}

func (a *Axis) stepsToMM(steps int) float64 {
	return float64(steps) * a.mmPerRotation / float64(a.motors[0].MicrostepsPerRotation())
}

// SetSpeed converts mm/s to pulses/second via the first motor's microstep
// configuration and applies it to every participating motor.
func (a *Axis) SetSpeed(mmPerSecond float64) error {
	pps := a.mmToSteps(mmPerSecond)
	if err := stepper.SetSpeedMultiple(a.motors, pps); err != nil {
		return errors.Wrapf(err, "axis %q set speed", a.name)
	}
	a.speed = mmPerSecond
	return nil
}

// SetDirection fans out to every motor's SetDirectionRel and records the
// axis's current relative direction as its home direction, so a later
// negative move restores to this sense rather than a hard-coded
// positive.
func (a *Axis) SetDirection(rel stepper.RelDirection) error {
	if err := a.setDirectionRaw(rel); err != nil {
		return err
	}
	a.homeDirection = rel
	return nil
}

func (a *Axis) setDirectionRaw(rel stepper.RelDirection) error {
	for _, m := range a.motors {
		if err := m.SetDirectionRel(rel); err != nil {
			return errors.Wrapf(err, "axis %q set direction", a.name)
		}
	}
	return nil
}

// Move drives the axis by a signed distance in millimetres. Zero distance
// is a no-op success. If a previous negative move set the reset latch,
// direction is first restored to the axis's home direction (the sense
// captured at construction or by the last explicit SetDirection call,
// never a hard-coded positive) before the new move, of either sign, is
// applied.
func (a *Axis) Move(distanceMM float64) error {
	if distanceMM == 0 {
		return nil
	}
	if a.resetDirection {
		a.resetDirection = false
		if err := a.setDirectionRaw(a.homeDirection); err != nil {
			return err
		}
	}
	if distanceMM < 0 {
		distanceMM = -distanceMM
		a.resetDirection = true
		if err := a.setDirectionRaw(stepper.Negative); err != nil {
			return err
		}
	}
	steps := a.mmToSteps(distanceMM)
	if err := stepper.StepMultiple(a.motors, steps); err != nil {
		return errors.Wrapf(err, "axis %q move", a.name)
	}
	return nil
}

// Wait delegates to the first motor.
func (a *Axis) Wait() error { return a.motors[0].Wait() }

// Stop delegates to the first motor.
func (a *Axis) Stop() error { return a.motors[0].Stop() }

// Ready delegates to the first motor.
func (a *Axis) Ready() bool { return a.motors[0].Ready() }

// GetPosition reads the first motor's accumulator, converts it to
// millimetres, and updates and returns the axis's cached position.
func (a *Axis) GetPosition() float64 {
	a.position = a.stepsToMM(a.motors[0].GetSteps())
	return a.position
}
