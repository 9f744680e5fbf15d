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

package stepper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/gpio"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/gpio/gpiofake"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/task"
)

func newTestEngine(t *testing.T, maxPPS int) (*Engine, *gpiofake.Facade) {
	t.Helper()
	fake := gpiofake.NewFacade()
	registry := task.NewRegistry()
	e := NewEngine(fake, registry, maxPPS, nil)
	return e, fake
}

func mustInit(t *testing.T, e *Engine, name string, stepPin, dirPin int) *Motor {
	t.Helper()
	m, err := e.Init(name, gpio.IntToPinID(stepPin), gpio.IntToPinID(dirPin), 1, 200, CounterClockwise)
	require.NoError(t, err)
	require.NoError(t, m.SetSpeed(4000))
	return m
}

func TestIsValidMicrostepAcceptsValidatedFactorsOnly(t *testing.T) {
	for _, f := range []int{1, 2, 4, 8, 16} {
		assert.True(t, IsValidMicrostep(f), "factor %d should be accepted", f)
	}
	// 32 is documented in the original header but never accepted by the
	// validator; surfaced explicitly rather than silently guessed at.
	assert.False(t, IsValidMicrostep(32), "32 is documented but not implemented upstream")
	for _, f := range []int{0, -1, 3, 5, 7, 64} {
		assert.False(t, IsValidMicrostep(f))
	}
}

func TestSetSpeedMultipleFailsClosedAboveCeiling(t *testing.T) {
	e, _ := newTestEngine(t, 1000)
	m, err := e.Init("x", gpio.IntToPinID(7), gpio.IntToPinID(8), 1, 200, CounterClockwise)
	require.NoError(t, err)

	err = m.SetSpeed(1001)
	require.Error(t, err, "speed above the configured ceiling must be rejected, not clamped")

	require.NoError(t, m.SetSpeed(1000))
}

func TestStepSingleMotorRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, 4160)
	m := mustInit(t, e, "x", 7, 8)

	require.NoError(t, m.Step(5))
	require.NoError(t, m.Wait())

	assert.Equal(t, 5, m.GetSteps())
	assert.True(t, m.Ready())
}

func TestStepRejectsWhileBusy(t *testing.T) {
	e, _ := newTestEngine(t, 4160)
	m := mustInit(t, e, "x", 7, 8)
	require.NoError(t, m.SetSpeed(100)) // slow enough to stay busy

	require.NoError(t, m.Step(1000))
	err := m.Step(1)
	require.Error(t, err, "a second request while busy must be rejected")

	require.NoError(t, m.Stop())
}

func TestStopInterruptsMotionBeforeCompletion(t *testing.T) {
	e, _ := newTestEngine(t, 4160)
	m := mustInit(t, e, "x", 7, 8)
	require.NoError(t, m.SetSpeed(100))

	require.NoError(t, m.Step(100000))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Stop())

	assert.True(t, m.Ready())
	assert.Less(t, m.GetSteps(), 100000)
}

func TestStepMultipleDrivesAllParticipantsTogether(t *testing.T) {
	e, _ := newTestEngine(t, 4160)
	a, err := e.Init("a", gpio.IntToPinID(7), gpio.IntToPinID(8), 1, 200, CounterClockwise)
	require.NoError(t, err)
	b, err := e.Init("b", gpio.IntToPinID(10), gpio.IntToPinID(11), 1, 200, CounterClockwise)
	require.NoError(t, err)
	require.NoError(t, SetSpeedMultiple([]*Motor{a, b}, 4000))

	require.NoError(t, StepMultiple([]*Motor{a, b}, 7))
	require.NoError(t, a.Wait())

	assert.Equal(t, 7, a.GetSteps())
	assert.Equal(t, 7, b.GetSteps())
}

func TestDirectionRelMapsThroughPosDirection(t *testing.T) {
	e, _ := newTestEngine(t, 4160)
	m, err := e.Init("x", gpio.IntToPinID(7), gpio.IntToPinID(8), 1, 200, Clockwise)
	require.NoError(t, err)

	assert.Equal(t, Positive, m.GetDirectionRel())
	require.NoError(t, m.SetDirectionRel(Negative))
	assert.Equal(t, CounterClockwise, m.GetDirectionAbs())
	assert.Equal(t, Negative, m.GetDirectionRel())
}

func TestStepDecrementsAccumulatorWhenMovingNegative(t *testing.T) {
	e, _ := newTestEngine(t, 4160)
	m := mustInit(t, e, "x", 7, 8)
	require.NoError(t, m.SetDirectionRel(Negative))

	require.NoError(t, m.Step(3))
	require.NoError(t, m.Wait())
	assert.Equal(t, -3, m.GetSteps())
}
