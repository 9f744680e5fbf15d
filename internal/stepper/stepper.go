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

// Package stepper drives stepper motors through grouped GPIO lines: a
// per-motor worker emits microsecond-accurate pulse trains, multiple
// motors can be driven off a single shared request, and stop/wait/ready
// give the caller a way to synchronise with an in-flight motion.
package stepper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/cncerr"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/gpio"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/task"
)

// DefaultMaxPulsesPerSecond is the ceiling inherited from the original
// implementation. It is no longer a silent clamp: SetSpeedMultiple fails
// the call when pps exceeds the configured ceiling.
const DefaultMaxPulsesPerSecond = 4160

// MaxMotorsPerRequest mirrors the kernel bulk-request ceiling.
const MaxMotorsPerRequest = 8

// Direction is the absolute rotational sense of a motor.
type Direction int

const (
	CounterClockwise Direction = iota
	Clockwise
)

func (d Direction) valid() bool {
	return d == CounterClockwise || d == Clockwise
}

func (d Direction) opposite() Direction {
	if d == Clockwise {
		return CounterClockwise
	}
	return Clockwise
}

// RelDirection is a direction relative to a motor's declared "positive"
// sense.
type RelDirection int

const (
	Negative RelDirection = -1
	Positive RelDirection = 1
)

// IsValidMicrostep reports whether factor is one of the driver's
// supported microstep configurations. The original validator accepts
// {1,2,4,8,16}; 32 is documented but never accepted.
func IsValidMicrostep(factor int) bool {
	switch factor {
	case 1, 2, 4, 8, 16:
		return true
	}
	return false
}

// Engine is the construction context shared by every motor it creates:
// the GPIO façade, the task registry driving pulser goroutines, and the
// configured speed ceiling.
type Engine struct {
	facade   gpio.FacadeAPI
	registry *task.Registry
	maxPPS   int
	log      *zap.Logger
}

// NewEngine builds a stepper engine. maxPPS <= 0 selects
// DefaultMaxPulsesPerSecond.
func NewEngine(facade gpio.FacadeAPI, registry *task.Registry, maxPPS int, log *zap.Logger) *Engine {
	if maxPPS <= 0 {
		maxPPS = DefaultMaxPulsesPerSecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{facade: facade, registry: registry, maxPPS: maxPPS, log: log}
}

// request is the transient object created for every Step/StepMultiple
// call. It is owned by the invoking goroutine until handed to the first
// motor's pulser, then owned by that pulser until teardown.
type request struct {
	motors       []*Motor
	count        int
	remaining    int
	bulk         *gpio.Bulk
	waitingMotor *Motor // guarded by sharedMu
}

// Motor is a single stepper driver.
type Motor struct {
	name     string
	facade   gpio.FacadeAPI
	registry *task.Registry
	log      *zap.Logger
	maxPPS   int

	dirPin    *gpio.Pin
	stepPinID gpio.PinID

	posDirection Direction // immutable after Init

	mu            sync.Mutex // protects currDirection, halfPeriod, reqAvailable
	reqCV         *sync.Cond
	waitCV        *sync.Cond
	currDirection Direction
	halfPeriod    int // microseconds
	reqAvailable  bool

	microstepsPerRotation int

	steps atomic.Int32
	stop  atomic.Bool

	currentReq atomic.Pointer[request]
	sharedMu   atomic.Pointer[sync.Mutex]

	taskID task.ID
}

// Name returns the motor's configured name.
func (m *Motor) Name() string { return m.name }

// MicrostepsPerRotation returns microstep_factor * full_steps_per_rotation.
func (m *Motor) MicrostepsPerRotation() int { return m.microstepsPerRotation }

// Init validates its arguments, reserves the direction and step lines,
// and spawns the motor's pulser goroutine. Speed is unset; callers must
// call SetSpeed/SetSpeedMultiple before any motion.
func (e *Engine) Init(name string, stepPinID, dirPinID gpio.PinID, microstepFactor, fullStepsPerRotation int, initialAbsDirection Direction) (*Motor, error) {
	if name == "" {
		return nil, errors.Wrap(cncerr.InvalidArgument, "motor name must not be empty")
	}
	if !IsValidMicrostep(microstepFactor) {
		return nil, errors.Wrapf(cncerr.InvalidArgument, "microstep factor %d not supported", microstepFactor)
	}
	if fullStepsPerRotation <= 0 {
		return nil, errors.Wrap(cncerr.InvalidArgument, "steps_per_rotation must be positive")
	}
	if !initialAbsDirection.valid() {
		return nil, errors.Wrap(cncerr.InvalidArgument, "invalid initial direction")
	}

	dirPin, err := e.facade.InitPin(dirPinID, gpio.DirectionOutput, false)
	if err != nil {
		return nil, errors.Wrapf(err, "reserving dir pin for motor %q", name)
	}
	if _, err := e.facade.InitPin(stepPinID, gpio.DirectionNone, false); err != nil {
		return nil, errors.Wrapf(err, "reserving step pin for motor %q", name)
	}

	m := &Motor{
		name:                  name,
		facade:                e.facade,
		registry:              e.registry,
		log:                   e.log,
		maxPPS:                e.maxPPS,
		dirPin:                dirPin,
		stepPinID:             stepPinID,
		posDirection:          initialAbsDirection,
		microstepsPerRotation: microstepFactor * fullStepsPerRotation,
	}
	m.reqCV = sync.NewCond(&m.mu)
	m.waitCV = sync.NewCond(&m.mu)

	if err := m.SetDirectionAbs(initialAbsDirection); err != nil {
		return nil, err
	}

	id, err := e.registry.Create(name, 0, m.pulserLoop, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "spawning pulser for motor %q", name)
	}
	m.taskID = id
	return m, nil
}

// Destroy stops any in-flight motion, kills the pulser and releases the
// motor's lines.
func (m *Motor) Destroy() error {
	if err := m.Stop(); err != nil {
		return err
	}
	m.registry.Kill(m.taskID)
	m.dirPin.Release()
	return nil
}

// IsBusy reports whether the motor currently has an in-flight request.
func (m *Motor) IsBusy() bool {
	return m.currentReq.Load() != nil
}

// Ready is the complement of IsBusy.
func (m *Motor) Ready() bool { return !m.IsBusy() }

// SetDirectionAbs writes the new level to the direction line and updates
// curr_direction. Rejected while the motor is busy.
func (m *Motor) SetDirectionAbs(dir Direction) error {
	if m.IsBusy() {
		return errors.Wrapf(cncerr.Busy, "motor %q busy", m.name)
	}
	if !dir.valid() {
		return errors.Wrap(cncerr.InvalidArgument, "invalid direction")
	}
	if err := m.dirPin.Write(dir == Clockwise); err != nil {
		return errors.Wrapf(err, "writing direction for motor %q", m.name)
	}
	m.mu.Lock()
	m.currDirection = dir
	m.mu.Unlock()
	return nil
}

// SetDirectionRel maps positive to pos_direction and negative to the
// other absolute value.
func (m *Motor) SetDirectionRel(rel RelDirection) error {
	abs := m.posDirection
	if rel == Negative {
		abs = m.posDirection.opposite()
	}
	return m.SetDirectionAbs(abs)
}

// GetDirectionAbs returns the current absolute direction.
func (m *Motor) GetDirectionAbs() Direction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currDirection
}

// GetDirectionRel returns the current direction relative to pos_direction.
func (m *Motor) GetDirectionRel() RelDirection {
	if m.GetDirectionAbs() == m.posDirection {
		return Positive
	}
	return Negative
}

// SetSpeed is a thin wrapper over SetSpeedMultiple with a single motor.
func (m *Motor) SetSpeed(pps int) error {
	return SetSpeedMultiple([]*Motor{m}, pps)
}

// SetSpeedMultiple rejects the call if any motor is busy, or if pps
// exceeds the first motor's configured ceiling; it no longer clamps
// silently. Sets half_period = 500000 / pps microseconds on every motor.
func SetSpeedMultiple(motors []*Motor, pps int) error {
	if len(motors) == 0 || len(motors) > MaxMotorsPerRequest {
		return errors.Wrapf(cncerr.InvalidArgument, "motor count %d out of range", len(motors))
	}
	if pps <= 0 {
		return errors.Wrap(cncerr.InvalidArgument, "pulses per second must be positive")
	}
	ceiling := motors[0].maxPPS
	if pps > ceiling {
		return errors.Wrapf(cncerr.InvalidArgument, "%d pps exceeds configured ceiling of %d", pps, ceiling)
	}
	for _, mo := range motors {
		if mo.IsBusy() {
			return errors.Wrapf(cncerr.Busy, "motor %q busy", mo.name)
		}
	}
	halfPeriod := 500000 / pps
	for _, mo := range motors {
		mo.mu.Lock()
		mo.halfPeriod = halfPeriod
		mo.mu.Unlock()
	}
	return nil
}

// Step is a thin wrapper over StepMultiple with a single motor.
func (m *Motor) Step(steps int) error {
	return StepMultiple([]*Motor{m}, steps)
}

// StepMultiple creates a new request over motors, rejecting the call if
// the first motor is busy. The motion runs entirely on the first motor's
// pulser; the others' pulsers stay idle for the duration (first-motor
// asymmetry, preserved deliberately).
func StepMultiple(motors []*Motor, steps int) error {
	if len(motors) == 0 || len(motors) > MaxMotorsPerRequest {
		return errors.Wrapf(cncerr.InvalidArgument, "motor count %d out of range", len(motors))
	}
	if steps <= 0 {
		return errors.Wrap(cncerr.InvalidArgument, "step count must be positive")
	}
	first := motors[0]
	if first.IsBusy() {
		return errors.Wrapf(cncerr.Busy, "motor %q busy", first.name)
	}

	ids := make([]gpio.PinID, len(motors))
	initLevels := make([]bool, len(motors))
	for i, mo := range motors {
		ids[i] = mo.stepPinID
	}
	bulk, err := first.facade.InitBulk(ids, gpio.DirectionOutput, initLevels)
	if err != nil {
		return errors.Wrap(err, "reserving step-line bulk")
	}

	sharedMu := &sync.Mutex{}
	req := &request{motors: motors, count: len(motors), remaining: steps, bulk: bulk}
	for _, mo := range motors {
		mo.currentReq.Store(req)
		mo.sharedMu.Store(sharedMu)
	}

	first.mu.Lock()
	first.reqAvailable = true
	first.reqCV.Signal()
	first.mu.Unlock()
	return nil
}

// GetSteps is a lock-free read of the accumulator, stale by at most one
// pulse.
func (m *Motor) GetSteps() int {
	return int(m.steps.Load())
}

// Stop flags an in-flight motion to abort at the next step boundary and
// blocks until the pulser acknowledges by completing its teardown. If
// the motor is idle, it returns immediately.
func (m *Motor) Stop() error {
	busy := m.IsBusy()
	if busy {
		m.stop.Store(true)
		return m.Wait()
	}
	return nil
}

// Wait blocks until the motor is no longer busy.
func (m *Motor) Wait() error {
	sharedMu := m.sharedMu.Load()
	if sharedMu == nil {
		return nil
	}
	registered := false
	sharedMu.Lock()
	if req := m.currentReq.Load(); req != nil {
		req.waitingMotor = m
		registered = true
	}
	sharedMu.Unlock()

	if registered {
		m.mu.Lock()
		for m.IsBusy() {
			m.waitCV.Wait()
		}
		m.mu.Unlock()
	}
	return nil
}

// pulserLoop is the per-motor worker. It owns the motor's struct mutex
// and condition variables for its entire lifetime.
func (m *Motor) pulserLoop(ctx context.Context, _ interface{}) {
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.reqCV.Broadcast()
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		for !m.reqAvailable && ctx.Err() == nil {
			m.reqCV.Wait()
		}
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		m.reqAvailable = false
		halfPeriod := m.halfPeriod
		m.mu.Unlock()

		req := m.currentReq.Load()
		if req == nil {
			continue
		}
		m.runPulseLoop(req, halfPeriod)
	}
}

// runPulseLoop is the pulser routine body: drive the shared bulk high,
// sleep, drive it low, sleep, update every participating motor's
// accumulator, repeat until the request is exhausted or any participant
// is flagged to stop.
func (m *Motor) runPulseLoop(req *request, halfPeriodMicros int) {
	pulseDuration := time.Duration(halfPeriodMicros) * time.Microsecond
	high := make([]bool, req.count)
	low := make([]bool, req.count)
	for i := range high {
		high[i] = true
	}

	for {
		req.bulk.WriteBulk(high)
		time.Sleep(pulseDuration)
		req.bulk.WriteBulk(low)
		time.Sleep(pulseDuration)

		stopNow := false
		for _, mo := range req.motors[:req.count] {
			if mo.GetDirectionAbs() == mo.posDirection {
				mo.steps.Add(1)
			} else {
				mo.steps.Add(-1)
			}
			if mo.stop.Load() {
				stopNow = true
			}
		}
		req.remaining--
		if req.remaining <= 0 || stopNow {
			break
		}
	}

	sharedMu := m.sharedMu.Load()
	sharedMu.Lock()
	waiting := req.waitingMotor
	req.bulk.Release()
	for _, mo := range req.motors[:req.count] {
		mo.currentReq.Store(nil)
		mo.sharedMu.Store(nil)
	}
	sharedMu.Unlock()

	if waiting != nil {
		waiting.stop.Store(false)
		waiting.mu.Lock()
		waiting.waitCV.Broadcast()
		waiting.mu.Unlock()
	}
}
