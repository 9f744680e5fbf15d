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

package motorconf

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/cncerr"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/gpio/gpiofake"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/stepper"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/task"
)

func openString(content string) OpenFunc {
	return func(string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(content)), nil
	}
}

func newTestEngine() *stepper.Engine {
	return stepper.NewEngine(gpiofake.NewFacade(), task.NewRegistry(), 4160, nil)
}

const validConfig = `[motor]
name=x
step_pin=7
dir_pin=8
steps_per_rotation=200
direction=clockwise
microstep=1

[motor]
name=y
step_pin=10
dir_pin=11
steps_per_rotation=200
direction=counterclockwise
microstep=2

[axis]
name=xy
motors=x,y
mm_per_rotation=10
`

func TestLoadValidConfigPreservesDeclarationOrder(t *testing.T) {
	res, err := Load("motor.conf", newTestEngine(), openString(validConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y"}, res.MotorNames)
	assert.Equal(t, []string{"xy"}, res.AxisNames)
	assert.NotNil(t, res.MotorByName("x"))
	assert.NotNil(t, res.MotorByName("y"))
	assert.NotNil(t, res.AxisByName("xy"))
	assert.Nil(t, res.MotorByName("nonexistent"))
}

func TestLoadRejectsAxisReferencingUnknownMotor(t *testing.T) {
	const cfg = `[axis]
name=bad
motors=ghost
mm_per_rotation=10
`
	_, err := Load("motor.conf", newTestEngine(), openString(cfg))
	require.Error(t, err)
}

func TestLoadRejectsMicrostep32(t *testing.T) {
	const cfg = `[motor]
name=x
step_pin=7
dir_pin=8
steps_per_rotation=200
direction=clockwise
microstep=32
`
	_, err := Load("motor.conf", newTestEngine(), openString(cfg))
	require.Error(t, err, "32 is documented in the header table but never validated as accepted")
	assert.True(t, cncerr.Is(err, cncerr.Configuration))
	assert.Contains(t, err.Error(), "32")
}

func TestLoadAcceptsEveryValidatedMicrostepFactor(t *testing.T) {
	for _, f := range []string{"1", "2", "4", "8", "16"} {
		cfg := "[motor]\nname=x\nstep_pin=7\ndir_pin=8\nsteps_per_rotation=200\ndirection=clockwise\nmicrostep=" + f + "\n"
		_, err := Load("motor.conf", newTestEngine(), openString(cfg))
		assert.NoError(t, err, "microstep factor %s should be accepted", f)
	}
}

func TestLoadRejectsUnknownParamForSection(t *testing.T) {
	const cfg = `[motor]
name=x
bogus=1
`
	_, err := Load("motor.conf", newTestEngine(), openString(cfg))
	require.Error(t, err)
}

func TestLoadRejectsIncompleteMotor(t *testing.T) {
	const cfg = `[motor]
name=x
step_pin=7
`
	_, err := Load("motor.conf", newTestEngine(), openString(cfg))
	require.Error(t, err)
}

func TestLoadHandlesMissingTrailingNewline(t *testing.T) {
	const cfg = `[motor]
name=x
step_pin=7
dir_pin=8
steps_per_rotation=200
direction=clockwise
microstep=1`
	res, err := Load("motor.conf", newTestEngine(), openString(cfg))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, res.MotorNames)
}

func TestLoadRejectsUnopenableFile(t *testing.T) {
	_, err := Load("motor.conf", newTestEngine(), func(string) (io.ReadCloser, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)
}
