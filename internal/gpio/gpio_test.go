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

package gpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	periphgpio "periph.io/x/periph/conn/gpio"
)

func TestIntToPinIDTableMembership(t *testing.T) {
	for _, n := range []int{7, 8, 10, 11, 12, 13, 16, 18, 19, 21, 23, 24, 29, 31, 32, 33, 35, 36, 37, 38, 40} {
		assert.Equal(t, PinID(n), IntToPinID(n), "pin %d should be on the header", n)
	}
}

func TestIntToPinIDRejectsOffHeaderNumbers(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 9, 14, 15, 17, 20, 22, 41, 100} {
		assert.Equal(t, InvalidPin, IntToPinID(n), "pin %d is not on the header", n)
	}
}

type fakeLine struct {
	level periphgpio.Level
}

func (f *fakeLine) Out(l periphgpio.Level) error { f.level = l; return nil }
func (f *fakeLine) Read() periphgpio.Level       { return f.level }

func TestPinWriteRejectsUnclaimedPin(t *testing.T) {
	p := WrapLine(&fakeLine{}, DirectionNone)
	err := p.Write(true)
	require.Error(t, err)
}

func TestPinWriteReadRoundTrip(t *testing.T) {
	p := WrapLine(&fakeLine{}, DirectionOutput)
	require.NoError(t, p.Write(true))
	v, err := p.Read()
	require.NoError(t, err)
	assert.True(t, v)

	require.NoError(t, p.Write(false))
	v, err = p.Read()
	require.NoError(t, err)
	assert.False(t, v)
}

func TestBulkWriteReadRoundTrip(t *testing.T) {
	lines := []Line{&fakeLine{}, &fakeLine{}, &fakeLine{}}
	b := WrapBulkLines(lines)

	require.NoError(t, b.WriteBulk([]bool{true, false, true}))
	got, err := b.ReadBulk()
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, got)
}

func TestBulkWriteRejectsLengthMismatch(t *testing.T) {
	b := WrapBulkLines([]Line{&fakeLine{}, &fakeLine{}})
	err := b.WriteBulk([]bool{true})
	require.Error(t, err)
}

func TestFacadeInitBulkRejectsOversizeGroup(t *testing.T) {
	f := &Facade{main: &Controller{chip: Main, cached: map[int]periphgpio.PinIO{}}, aon: &Controller{chip: AON, cached: map[int]periphgpio.PinIO{}}}
	ids := make([]PinID, MaxBulkLines+1)
	for i := range ids {
		ids[i] = IntToPinID(7)
	}
	_, err := f.InitBulk(ids, DirectionNone, nil)
	require.Error(t, err)
}
