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

package axis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/gpio"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/gpio/gpiofake"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/stepper"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/task"
)

func newTestAxis(t *testing.T, initial stepper.Direction) (*Axis, *stepper.Motor) {
	t.Helper()
	e := stepper.NewEngine(gpiofake.NewFacade(), task.NewRegistry(), 4160, nil)
	m, err := e.Init("x", gpio.IntToPinID(7), gpio.IntToPinID(8), 1, 200, initial)
	require.NoError(t, err)
	a, err := Init("x-axis", []*stepper.Motor{m}, 10.0)
	require.NoError(t, err)
	require.NoError(t, a.SetSpeed(50))
	return a, m
}

func TestInitRejectsBadMotorCounts(t *testing.T) {
	e := stepper.NewEngine(gpiofake.NewFacade(), task.NewRegistry(), 4160, nil)
	m, err := e.Init("x", gpio.IntToPinID(7), gpio.IntToPinID(8), 1, 200, stepper.Clockwise)
	require.NoError(t, err)

	_, err = Init("empty", nil, 10)
	require.Error(t, err)

	many := make([]*stepper.Motor, MaxMotors+1)
	for i := range many {
		many[i] = m
	}
	_, err = Init("toomany", many, 10)
	require.Error(t, err)
}

func TestMoveConvertsMillimetresToSteps(t *testing.T) {
	a, m := newTestAxis(t, stepper.Clockwise)

	require.NoError(t, a.Move(5))
	require.NoError(t, a.Wait())

	// 1 microstep/full-step * 200 steps/rotation, 10mm/rotation: 5mm -> 100 steps.
	assert.Equal(t, 100, m.GetSteps())
	assert.InDelta(t, 5.0, a.GetPosition(), 0.001)
}

func TestMoveRestoresHomeDirectionAfterNegativeMove(t *testing.T) {
	// The axis's home direction is its natural sense, captured via an
	// explicit SetDirection call, not assumed to be Positive.
	a, m := newTestAxis(t, stepper.CounterClockwise)
	require.NoError(t, a.SetDirection(stepper.Negative))

	require.NoError(t, a.Move(-3))
	require.NoError(t, a.Wait())
	assert.Equal(t, stepper.Negative, m.GetDirectionRel())

	require.NoError(t, a.Move(2))
	require.NoError(t, a.Wait())
	assert.Equal(t, stepper.Negative, m.GetDirectionRel(), "a positive move after a negative one must restore to home, not a hard-coded positive")
}

func TestMoveZeroIsNoOp(t *testing.T) {
	a, m := newTestAxis(t, stepper.Clockwise)
	require.NoError(t, a.Move(0))
	assert.Equal(t, 0, m.GetSteps())
}
