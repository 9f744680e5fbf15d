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

// Package task is the concurrency primitive the rest of the core is built
// on: a named, queryable, killable goroutine registry. It generalizes the
// channel/goroutine worker pattern into a registry that fixes the
// unsynchronised-list hazard of spawning workers from multiple goroutines.
package task

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/rafaelmartinezr/cnc-robot-control/internal/cncerr"
)

// ID identifies a running task. The zero value means "no task".
type ID uint64

// Entry is a worker's entry routine. It must return promptly once ctx is
// done; Kill only requests cancellation, it cannot force a goroutine to
// stop.
type Entry func(ctx context.Context, arg interface{})

type entry struct {
	id     ID
	name   string
	cancel context.CancelFunc
}

// Registry is the process-wide task factory. Unlike the original's bare
// linked list, every operation here is guarded by mu.
type Registry struct {
	mu      sync.Mutex
	byID    map[ID]*entry
	byName  map[string]*entry
	nextID  uint64
}

// NewRegistry builds an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   map[ID]*entry{},
		byName: map[string]*entry{},
	}
}

// Create starts a new worker bound to entry, running in its own goroutine.
// stackHint is accepted for interface fidelity with the original's
// stack-size argument but otherwise unused; goroutine stacks grow
// dynamically and are not pre-sized.
func (r *Registry) Create(name string, stackHint int, fn Entry, arg interface{}) (ID, error) {
	if name == "" {
		return 0, errors.Wrap(cncerr.InvalidArgument, "task name must not be empty")
	}
	if fn == nil {
		return 0, errors.Wrap(cncerr.InvalidArgument, "task entry must not be nil")
	}

	r.mu.Lock()
	if _, exists := r.byName[name]; exists {
		r.mu.Unlock()
		return 0, errors.Wrapf(cncerr.ResourceAcquisition, "task %q already exists", name)
	}
	id := ID(atomic.AddUint64(&r.nextID, 1))
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{id: id, name: name, cancel: cancel}
	r.byID[id] = e
	r.byName[name] = e
	r.mu.Unlock()

	go func() {
		fn(ctx, arg)
		// Terminal self-cleanup: the worker removes its own entry after its
		// entry routine returns.
		r.remove(id)
	}()
	return id, nil
}

// GetIDByName returns the id of the first task registered under name, or
// 0 if none exists.
func (r *Registry) GetIDByName(name string) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byName[name]; ok {
		return e.id
	}
	return 0
}

// Kill asynchronously requests termination of the named task's context
// and removes its entry from the registry. It does not wait for the
// worker to actually exit.
func (r *Registry) Kill(id ID) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byName, e.name)
	}
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
}

func (r *Registry) remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		delete(r.byID, id)
		delete(r.byName, e.name)
	}
}
