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

// Package motorconf is a character-driven state machine that parses the
// declarative motor.conf file, validates cross-references between axes
// and previously defined motors, and materialises the resulting Stepper
// and Axis object graph.
package motorconf

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/axis"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/cncerr"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/gpio"
	"github.com/rafaelmartinezr/cnc-robot-control/internal/stepper"
)

// ConfigFileName is the fixed name of the configuration file, read from
// a base installation directory.
const ConfigFileName = "motor.conf"

const (
	maxEntries     = stepper.MaxMotorsPerRequest
	paramMaxLen    = 32
	directionUnset = -1
)

type state int

const (
	stateReadLine state = iota
	stateReadParam
	stateReadIdentifier
	stateSetIdentifier
	stateCheckParam
	stateReadValue
	stateSetParam
	stateReadMotorList
	stateCleanup
	stateFinished
	stateError
)

type identifier int

const (
	identMotor identifier = iota
	identAxis
	identInvalid
)

type param int

const (
	paramMotorName param = iota
	paramStepPin
	paramDirPin
	paramStepsRot
	paramDirection
	paramMicrostep
	paramAxisName
	paramMotorList
	paramMMRot
	paramInvalid
)

var motorParams = map[string]param{
	"name":                paramMotorName,
	"step_pin":            paramStepPin,
	"dir_pin":             paramDirPin,
	"steps_per_rotation":  paramStepsRot,
	"direction":           paramDirection,
	"microstep":           paramMicrostep,
}

var axisParams = map[string]param{
	"name":            paramAxisName,
	"motors":          paramMotorList,
	"mm_per_rotation": paramMMRot,
}

// motorEntry is the scratch record for a motor being assembled by the
// parser, in list order. Zero values for pin/count fields mean "unset";
// 0 is never a valid header pin number or positive count.
type motorEntry struct {
	name      string
	stepPin   gpio.PinID
	dirPin    gpio.PinID
	microstep int
	stepsRot  int
	direction int // directionUnset, or a stepper.Direction value
	motor     *stepper.Motor
}

func (e *motorEntry) valid() bool {
	return e.dirPin != 0 && e.stepPin != 0 && e.direction != directionUnset &&
		e.name != "" && e.stepsRot != 0 && e.microstep != 0
}

type axisEntry struct {
	name          string
	mmPerRotation int
	motors        []*motorEntry
	axis          *axis.Axis
}

func (e *axisEntry) valid() bool {
	return len(e.motors) > 0 && e.mmPerRotation > 0 && e.name != ""
}

// OpenFunc opens a config file for reading, matching os.Open's signature
// so it can be passed directly; tests can substitute an in-memory opener.
type OpenFunc func(name string) (io.ReadCloser, error)

// Result holds the object graph built from a successfully parsed config
// file, and preserves the source file's declaration order.
type Result struct {
	MotorNames []string
	AxisNames  []string

	motorsByName map[string]*stepper.Motor
	axesByName   map[string]*axis.Axis
}

// MotorByName returns the handle to a motor defined in the config file,
// or nil if no such motor was defined.
func (r *Result) MotorByName(name string) *stepper.Motor {
	return r.motorsByName[name]
}

// AxisByName returns the handle to an axis defined in the config file,
// or nil if no such axis was defined.
func (r *Result) AxisByName(name string) *axis.Axis {
	return r.axesByName[name]
}

// parser drives the character state machine over a single config file.
type parser struct {
	r   *bufio.Reader
	st  state
	err error

	line   string
	offset int

	param string
	value string

	lastIdent identifier
	paramID   param

	motors []*motorEntry
	axes   []*axisEntry
}

// Load reads and parses path, materialising every motor (in declaration
// order) and then every axis, using engine to construct Stepper
// instances. An entry that is not fully configured fails the whole load.
func Load(path string, engine *stepper.Engine, open OpenFunc) (*Result, error) {
	f, err := open(path)
	if err != nil {
		return nil, errors.Wrapf(cncerr.ResourceAcquisition, "opening %s: %v", path, err)
	}
	defer f.Close()

	p := &parser{r: bufio.NewReader(f), st: stateCleanup}
	for p.st != stateFinished && p.st != stateError {
		p.step()
	}
	if p.st == stateError {
		return nil, errors.Wrap(cncerr.Configuration, p.err.Error())
	}
	return materialize(p, engine)
}

func (p *parser) step() {
	switch p.st {
	case stateReadLine:
		p.readLine()
	case stateReadParam:
		p.readParam()
	case stateReadIdentifier:
		p.readIdentifier()
	case stateSetIdentifier:
		p.setIdentifier()
	case stateCheckParam:
		p.checkParam()
	case stateReadValue:
		p.readValue()
	case stateSetParam:
		p.setParam()
	case stateReadMotorList:
		p.readMotorList()
	case stateCleanup:
		p.cleanup()
	}
}

func (p *parser) fail(format string, args ...interface{}) {
	p.err = fmt.Errorf(format, args...)
	p.st = stateError
}

// readLine reads the next line of the file, including its trailing
// newline if present.
func (p *parser) readLine() {
	line, err := p.r.ReadString('\n')
	if err != nil && err != io.EOF {
		p.fail("error reading line from %s: %v", ConfigFileName, err)
		return
	}
	if err == io.EOF && line == "" {
		p.st = stateFinished
		return
	}
	p.line = line
	p.offset = 0
	p.st = stateReadParam
}

// readParam scans a lowercase+underscore parameter name until '=', '[',
// a comment/blank/newline, or an invalid character.
func (p *parser) readParam() {
	var b strings.Builder
	for p.offset < len(p.line) {
		c := p.line[p.offset]
		switch {
		case isLowerOrUnderscore(c):
			if b.Len() >= paramMaxLen-1 {
				p.fail("param identifier has exceeded max length in %s", ConfigFileName)
				return
			}
			b.WriteByte(c)
			p.offset++
		case c == '=':
			p.param = b.String()
			p.offset++
			p.st = stateCheckParam
			return
		case c == '[':
			p.param = b.String()
			p.offset++
			p.st = stateReadIdentifier
			return
		case c == '#' || isBlank(c) || c == '\n':
			p.param = b.String()
			p.offset++
			p.st = stateCleanup
			return
		default:
			p.fail("invalid char (%q) at param in %s", c, ConfigFileName)
			return
		}
	}
	p.param = b.String()
	p.st = stateCleanup
}

// readIdentifier scans a lowercase section-header identifier until ']'.
func (p *parser) readIdentifier() {
	var b strings.Builder
	for p.offset < len(p.line) {
		c := p.line[p.offset]
		switch {
		case isLower(c):
			if b.Len() >= paramMaxLen-1 {
				p.fail("type identifier has exceeded max length in %s", ConfigFileName)
				return
			}
			b.WriteByte(c)
			p.offset++
		case c == ']':
			p.param = b.String()
			p.offset++
			p.st = stateSetIdentifier
			return
		default:
			p.fail("invalid char (%q) at type identifier in %s", c, ConfigFileName)
			return
		}
	}
	p.fail("unterminated section header in %s", ConfigFileName)
}

// setIdentifier opens a new motor or axis entry for subsequent params to
// be assigned into.
func (p *parser) setIdentifier() {
	switch p.param {
	case "motor":
		p.lastIdent = identMotor
		p.motors = append(p.motors, &motorEntry{direction: directionUnset})
		p.st = stateCleanup
	case "axis":
		p.lastIdent = identAxis
		p.axes = append(p.axes, &axisEntry{})
		p.st = stateCleanup
	default:
		p.lastIdent = identInvalid
		p.fail("invalid type identifier (%s) used in %s", p.param, ConfigFileName)
	}
}

// checkParam validates the just-read param name against the current
// section's parameter table. "motors" is special-cased into
// READ_MOTOR_LIST ahead of the general table scan.
func (p *parser) checkParam() {
	var table map[string]param
	var kind string
	switch p.lastIdent {
	case identMotor:
		table, kind = motorParams, "motor"
	case identAxis:
		table, kind = axisParams, "axis"
	default:
		p.fail("last type identifier is invalid or not defined")
		return
	}

	if p.param == "motors" && p.lastIdent == identAxis {
		p.paramID = paramMotorList
		p.st = stateReadMotorList
		return
	}

	id, ok := table[p.param]
	if !ok {
		p.paramID = paramInvalid
		p.fail("%s is not a valid parameter for type %s, in %s", p.param, kind, ConfigFileName)
		return
	}
	p.paramID = id
	p.st = stateReadValue
}

// readValue scans an alphanumeric/'-'/'_' value until a comment, blank,
// or newline.
func (p *parser) readValue() {
	var b strings.Builder
	for p.offset < len(p.line) {
		c := p.line[p.offset]
		switch {
		case isAlnum(c) || c == '-' || c == '_':
			if b.Len() >= paramMaxLen-1 {
				p.fail("value has exceeded max length in %s", ConfigFileName)
				return
			}
			b.WriteByte(c)
			p.offset++
		case isBlank(c) || c == '#' || c == '\n':
			p.value = b.String()
			p.offset++
			p.st = stateSetParam
			return
		default:
			p.fail("invalid char (%q) at value in %s", c, ConfigFileName)
			return
		}
	}
	p.value = b.String()
	p.st = stateSetParam
}

// setParam assigns the read value into the currently open entry.
func (p *parser) setParam() {
	p.st = stateCleanup // unless overridden by an error below.

	switch p.paramID {
	case paramMotorName:
		p.currentMotor().name = p.value

	case paramStepPin:
		n, ok := parsePositiveInt(p.value)
		if !ok {
			p.fail("%s is not a valid numerical value.", p.value)
			return
		}
		id := gpio.IntToPinID(n)
		if id == gpio.InvalidPin {
			p.fail("%s is not a valid value for step_pin.", p.value)
			return
		}
		p.currentMotor().stepPin = id

	case paramDirPin:
		n, ok := parsePositiveInt(p.value)
		if !ok {
			p.fail("%s is not a valid numerical value.", p.value)
			return
		}
		id := gpio.IntToPinID(n)
		if id == gpio.InvalidPin {
			p.fail("%s is not a valid value for dir_pin.", p.value)
			return
		}
		p.currentMotor().dirPin = id

	case paramStepsRot:
		n, ok := parsePositiveInt(p.value)
		if !ok {
			p.fail("%s is not a valid value for steps_per_rotation.", p.value)
			return
		}
		p.currentMotor().stepsRot = n

	case paramDirection:
		dir, ok := parseDirection(p.value)
		if !ok {
			p.fail("%s is not a valid direction.", p.value)
			return
		}
		p.currentMotor().direction = int(dir)

	case paramMicrostep:
		n, ok := parsePositiveInt(p.value)
		if !ok || !stepper.IsValidMicrostep(n) {
			p.fail("%s is not a valid value for microstep.", p.value)
			return
		}
		p.currentMotor().microstep = n

	case paramAxisName:
		p.currentAxis().name = p.value

	case paramMotorList:
		// handled entirely by readMotorList.

	case paramMMRot:
		n, ok := parsePositiveInt(p.value)
		if !ok {
			p.fail("%s is not a valid numerical value.", p.value)
			return
		}
		p.currentAxis().mmPerRotation = n

	case paramInvalid:
		p.fail("invalid parameter was set.")
	}
}

// readMotorList repeatedly scans a comma-separated list of motor names,
// looking each up in the previously defined motor entries and appending
// it to the current axis's participant list.
func (p *parser) readMotorList() {
	for {
		var b strings.Builder
		stopLine := false
		for p.offset < len(p.line) {
			c := p.line[p.offset]
			switch {
			case isAlnum(c) || c == '-' || c == '_':
				if b.Len() >= paramMaxLen-1 {
					p.fail("value has exceeded max length in %s", ConfigFileName)
					return
				}
				b.WriteByte(c)
				p.offset++
			case c == ',':
				p.offset++
				goto gotName
			case isBlank(c) || c == '#' || c == '\n':
				p.offset++
				stopLine = true
				goto gotName
			default:
				p.fail("invalid char (%q) at motor list in %s", c, ConfigFileName)
				return
			}
		}
		stopLine = true
	gotName:
		name := b.String()
		if name == "" {
			p.fail("abrupt end in a motor list in %s", ConfigFileName)
			return
		}
		motor := p.findMotorByName(name)
		if motor == nil {
			p.fail("motor %s not found before axis definition in %s", name, ConfigFileName)
			return
		}
		axisEntry := p.currentAxis()
		if len(axisEntry.motors) >= maxEntries {
			p.fail("axis has more than %d motors in %s", maxEntries, ConfigFileName)
			return
		}
		axisEntry.motors = append(axisEntry.motors, motor)
		if stopLine {
			p.st = stateCleanup
			return
		}
	}
}

func (p *parser) cleanup() {
	p.line = ""
	p.offset = 0
	p.param = ""
	p.value = ""
	p.st = stateReadLine
}

func (p *parser) currentMotor() *motorEntry {
	return p.motors[len(p.motors)-1]
}

func (p *parser) currentAxis() *axisEntry {
	return p.axes[len(p.axes)-1]
}

func (p *parser) findMotorByName(name string) *motorEntry {
	for _, m := range p.motors {
		if m.name == name {
			return m
		}
	}
	return nil
}

func materialize(p *parser, engine *stepper.Engine) (*Result, error) {
	res := &Result{
		motorsByName: map[string]*stepper.Motor{},
		axesByName:   map[string]*axis.Axis{},
	}

	for _, m := range p.motors {
		if !m.valid() {
			return nil, errors.Wrapf(cncerr.Configuration, "motor %q in %s is not fully configured", m.name, ConfigFileName)
		}
		motor, err := engine.Init(m.name, m.stepPin, m.dirPin, m.microstep, m.stepsRot, stepper.Direction(m.direction))
		if err != nil {
			return nil, errors.Wrapf(err, "initialising motor %q from %s", m.name, ConfigFileName)
		}
		m.motor = motor
		res.motorsByName[m.name] = motor
		res.MotorNames = append(res.MotorNames, m.name)
	}

	for _, a := range p.axes {
		if !a.valid() {
			return nil, errors.Wrapf(cncerr.Configuration, "axis %q in %s is not fully configured", a.name, ConfigFileName)
		}
		motors := make([]*stepper.Motor, len(a.motors))
		for i, m := range a.motors {
			motors[i] = m.motor
		}
		ax, err := axis.Init(a.name, motors, float64(a.mmPerRotation))
		if err != nil {
			return nil, errors.Wrapf(err, "initialising axis %q from %s", a.name, ConfigFileName)
		}
		a.axis = ax
		res.axesByName[a.name] = ax
		res.AxisNames = append(res.AxisNames, a.name)
	}

	return res, nil
}

func isLower(c byte) bool { return c >= 'a' && c <= 'z' }

func isLowerOrUnderscore(c byte) bool { return isLower(c) || c == '_' }

func isBlank(c byte) bool { return c == ' ' || c == '\t' }

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func parsePositiveInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseDirection(s string) (stepper.Direction, bool) {
	switch s {
	case "counterclockwise":
		return stepper.CounterClockwise, true
	case "clockwise":
		return stepper.Clockwise, true
	default:
		return 0, false
	}
}
