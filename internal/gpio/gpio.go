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

// Package gpio is the façade over the board's J21 header lines. It is the
// only package in this module that talks to periph.io directly; everything
// above it addresses lines by header pin number.
package gpio

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/cncerr"
)

// Chip identifies which gpiochip a line belongs to.
type Chip int

const (
	// Main is the primary gpiochip (/dev/gpiochip0).
	Main Chip = iota
	// AON is the always-on gpiochip (/dev/gpiochip1).
	AON
)

func (c Chip) String() string {
	if c == AON {
		return "aon"
	}
	return "main"
}

func (c Chip) devicePath() string {
	if c == AON {
		return "/dev/gpiochip1"
	}
	return "/dev/gpiochip0"
}

// PinID is an opaque header-pin identifier. The zero value is not a valid
// pin; use InvalidPin as the sentinel.
type PinID int

// InvalidPin is returned by IntToPinID when a physical pin number does not
// appear on the header.
const InvalidPin PinID = -1

type line struct {
	chip   Chip
	offset int
}

// headerTable is the fixed J21 header-pin table: physical pin number to
// (chip, line offset). 21 entries; InvalidPin is not one of them.
var headerTable = map[int]line{
	7:  {Main, 76},
	8:  {Main, 144},
	10: {Main, 145},
	11: {Main, 146},
	12: {Main, 72},
	13: {Main, 77},
	16: {AON, 40},
	18: {Main, 161},
	19: {Main, 109},
	21: {Main, 108},
	23: {Main, 107},
	24: {Main, 110},
	29: {Main, 78},
	31: {AON, 42},
	32: {AON, 41},
	33: {Main, 69},
	35: {Main, 75},
	36: {Main, 147},
	37: {Main, 68},
	38: {Main, 74},
	40: {Main, 73},
}

// IntToPinID maps a physical header pin number to an internal identifier,
// rejecting numbers that are not part of the fixed 21-entry table.
func IntToPinID(n int) PinID {
	if _, ok := headerTable[n]; !ok {
		return InvalidPin
	}
	return PinID(n)
}

// Direction selects how a line is reserved.
type Direction int

const (
	// DirectionOutput drives the line with an initial level.
	DirectionOutput Direction = iota
	// DirectionInput reserves the line for reading.
	DirectionInput
	// DirectionNone claims the line handle without requesting it from the
	// kernel, for later inclusion in a bulk output request.
	DirectionNone
)

// Line is the minimal primitive a Pin or Bulk drives: drive a level, read
// the current one. periph.io's gpio.PinIO already satisfies this; it is
// narrowed to just these two methods so a test double doesn't need to
// implement periph's full pin surface (Function, Halt, PWM, edge waits).
type Line interface {
	Out(l gpio.Level) error
	Read() gpio.Level
}

// Pin is a single reserved line.
type Pin struct {
	mu  sync.Mutex
	pio Line
	dir Direction
	// claimed is true once Write/Read may be used directly; false when the
	// pin was reserved with DirectionNone and is waiting for a Bulk.
	claimed bool
}

// Bulk is a set of up to 8 lines reserved together for an atomic
// multi-line write.
type Bulk struct {
	mu   sync.Mutex
	pins []Line
}

// WrapLine builds a Pin around an already-resolved Line, for callers that
// construct lines outside the façade's own controller resolution, such as
// a fake used in tests.
func WrapLine(l Line, dir Direction) *Pin {
	return &Pin{pio: l, dir: dir, claimed: dir != DirectionNone}
}

// WrapBulkLines builds a Bulk around already-resolved Lines.
func WrapBulkLines(ls []Line) *Bulk {
	cp := make([]Line, len(ls))
	copy(cp, ls)
	return &Bulk{pins: cp}
}

// FacadeAPI is the subset of Facade that the stepper engine depends on.
// Defined here, next to Facade, so the engine can accept a fake in tests
// without depending on periph.io or real character devices.
type FacadeAPI interface {
	InitPin(id PinID, dir Direction, initLevel bool) (*Pin, error)
	InitBulk(ids []PinID, dir Direction, initLevels []bool) (*Bulk, error)
}

// MaxBulkLines mirrors the kernel gpiod bulk-request ceiling the original
// implementation inherited.
const MaxBulkLines = 8

// Controller is a process-wide, lazily initialised handle to one gpiochip.
// It is never explicitly closed; the OS reclaims the device on process
// exit.
type Controller struct {
	chip Chip
	log  *zap.Logger

	once    sync.Once
	initErr error

	mu     sync.Mutex
	cached map[int]gpio.PinIO
}

var (
	controllersMu sync.Mutex
	controllers   = map[Chip]*Controller{}
	hostInitOnce  sync.Once
	hostInitErr   error
)

// Facade groups both controllers (main and always-on) behind the
// component-A operations. A Context owns exactly one Facade.
type Facade struct {
	log  *zap.Logger
	main *Controller
	aon  *Controller
}

// NewFacade builds the GPIO façade, verifying that both character devices
// are present before periph's host drivers are initialised, so a missing
// chip produces a clear resource-acquisition error instead of periph's
// generic one.
func NewFacade(log *zap.Logger) (*Facade, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, c := range []Chip{Main, AON} {
		if err := unix.Access(c.devicePath(), unix.W_OK|unix.R_OK); err != nil {
			return nil, errors.Wrapf(cncerr.ResourceAcquisition, "gpiochip %s device %s unavailable: %v", c, c.devicePath(), err)
		}
	}
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	if hostInitErr != nil {
		return nil, errors.Wrap(cncerr.ResourceAcquisition, hostInitErr.Error())
	}
	return &Facade{
		log:  log,
		main: controllerFor(Main, log),
		aon:  controllerFor(AON, log),
	}, nil
}

func controllerFor(c Chip, log *zap.Logger) *Controller {
	controllersMu.Lock()
	defer controllersMu.Unlock()
	if ctl, ok := controllers[c]; ok {
		return ctl
	}
	ctl := &Controller{chip: c, log: log, cached: map[int]gpio.PinIO{}}
	controllers[c] = ctl
	return ctl
}

func (f *Facade) controllerFor(l line) *Controller {
	if l.chip == AON {
		return f.aon
	}
	return f.main
}

func (c *Controller) resolve(offset int) (gpio.PinIO, error) {
	c.mu.Lock()
	if p, ok := c.cached[offset]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	name := fmt.Sprintf("GPIO%d", offset)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Wrapf(cncerr.ResourceAcquisition, "line %s not found on %s controller", name, c.chip)
	}
	c.mu.Lock()
	c.cached[offset] = p
	c.mu.Unlock()
	return p, nil
}

// InitPin reserves a single line. For DirectionOutput, the line is driven
// to initLevel immediately; for DirectionInput it is configured for
// reading; for DirectionNone the handle is resolved but not requested,
// ready for later inclusion in a Bulk.
func (f *Facade) InitPin(id PinID, dir Direction, initLevel bool) (*Pin, error) {
	l, ok := headerTable[int(id)]
	if !ok {
		return nil, errors.Wrapf(cncerr.InvalidArgument, "pin %d not on header", id)
	}
	ctl := f.controllerFor(l)
	pio, err := ctl.resolve(l.offset)
	if err != nil {
		return nil, err
	}
	p := &Pin{pio: pio, dir: dir}
	switch dir {
	case DirectionOutput:
		if err := pio.Out(levelOf(initLevel)); err != nil {
			return nil, errors.Wrapf(cncerr.ResourceAcquisition, "reserving pin %d as output: %v", id, err)
		}
		p.claimed = true
	case DirectionInput:
		if err := pio.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			return nil, errors.Wrapf(cncerr.ResourceAcquisition, "reserving pin %d as input: %v", id, err)
		}
		p.claimed = true
	case DirectionNone:
		// Claimed for later bulk inclusion; not requested yet.
	}
	return p, nil
}

// InitBulk reserves up to MaxBulkLines lines as one atomic group. When
// dir is DirectionOutput the whole bulk is granted or none is.
func (f *Facade) InitBulk(ids []PinID, dir Direction, initLevels []bool) (*Bulk, error) {
	if len(ids) == 0 || len(ids) > MaxBulkLines {
		return nil, errors.Wrapf(cncerr.InvalidArgument, "bulk size %d out of range [1,%d]", len(ids), MaxBulkLines)
	}
	if dir == DirectionOutput && len(initLevels) != len(ids) {
		return nil, errors.Wrap(cncerr.InvalidArgument, "initLevels must match ids length for output bulk")
	}
	pins := make([]Line, 0, len(ids))
	for i, id := range ids {
		l, ok := headerTable[int(id)]
		if !ok {
			return nil, errors.Wrapf(cncerr.InvalidArgument, "pin %d not on header", id)
		}
		ctl := f.controllerFor(l)
		pio, err := ctl.resolve(l.offset)
		if err != nil {
			return nil, err
		}
		if dir == DirectionOutput {
			if err := pio.Out(levelOf(initLevels[i])); err != nil {
				return nil, errors.Wrapf(cncerr.ResourceAcquisition, "bulk pin %d: %v", id, err)
			}
		}
		pins = append(pins, pio)
	}
	return &Bulk{pins: pins}, nil
}

// Write drives a single reserved output pin.
func (p *Pin) Write(level bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.claimed {
		return errors.Wrap(cncerr.InvalidArgument, "pin not requested for direct write")
	}
	return p.pio.Out(levelOf(level))
}

// Read reads a single reserved input pin.
func (p *Pin) Read() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.claimed {
		return false, errors.Wrap(cncerr.InvalidArgument, "pin not requested for direct read")
	}
	return p.pio.Read() == gpio.High, nil
}

// Release releases a single pin.
func (p *Pin) Release() {
	// periph pins are not individually released back to the OS; closing the
	// line is a no-op at this layer, matching gpiod_line_release's effect
	// of simply letting the line be re-requested later.
}

// WriteBulk writes levels to every pin in the bulk atomically, in order.
func (b *Bulk) WriteBulk(levels []bool) error {
	if len(levels) != len(b.pins) {
		return errors.Wrap(cncerr.InvalidArgument, "levels length mismatch")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, pio := range b.pins {
		if err := pio.Out(levelOf(levels[i])); err != nil {
			return errors.Wrapf(cncerr.ResourceAcquisition, "bulk write line %d: %v", i, err)
		}
	}
	return nil
}

// ReadBulk reads every pin in the bulk, in order.
func (b *Bulk) ReadBulk() ([]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bool, len(b.pins))
	for i, pio := range b.pins {
		out[i] = pio.Read() == gpio.High
	}
	return out, nil
}

// Release releases the bulk reservation.
func (b *Bulk) Release() {}

func levelOf(v bool) gpio.Level {
	if v {
		return gpio.High
	}
	return gpio.Low
}
