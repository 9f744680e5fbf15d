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

// Package cncerr defines the error kinds shared across the motion-control
// core: configuration, resource acquisition, invalid argument, and busy.
package cncerr

import "github.com/pkg/errors"

// Sentinel kinds. Wrap these with errors.Wrap/Wrapf to add call-site
// context; test the kind with errors.Is.
var (
	// Configuration covers parse failures, unknown keys, bad values,
	// unresolved cross-references and missing required fields.
	Configuration = errors.New("configuration error")

	// ResourceAcquisition covers GPIO line unavailable, controller open
	// failed, and task creation failed.
	ResourceAcquisition = errors.New("resource acquisition error")

	// InvalidArgument covers nil handles, out-of-range counts, and
	// non-positive speeds or step counts.
	InvalidArgument = errors.New("invalid argument")

	// Busy covers rejection of an operation because a motor is currently
	// executing a motion.
	Busy = errors.New("motor busy")
)

// Is reports whether err is, or wraps, the given kind.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}
