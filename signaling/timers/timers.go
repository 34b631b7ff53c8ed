/*
 * Copyright 2019 Kopano and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package timers provides a registry of pending timers keyed by purpose.
package timers

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// A Registry tracks pending timers by key. Starting a timer with a key which
// is already pending replaces the pending timer.
type Registry struct {
	sync.Mutex

	clock  clock.Clock
	timers map[string]*entry
	seq    uint64
}

type entry struct {
	timer *clock.Timer
	seq   uint64
}

// New creates a new Registry using the provided clock. If c is nil, the real
// wall clock is used.
func New(c clock.Clock) *Registry {
	if c == nil {
		c = clock.New()
	}

	return &Registry{
		clock:  c,
		timers: make(map[string]*entry),
	}
}

// Start arms a timer for key which runs fn after d. Callbacks run on their
// own go routine and must validate their owners state before acting, since
// a Stop racing with the timer firing cannot always prevent the callback.
func (r *Registry) Start(key string, d time.Duration, fn func()) {
	r.Lock()
	defer r.Unlock()

	if e, ok := r.timers[key]; ok {
		e.timer.Stop()
	}

	r.seq++
	e := &entry{
		seq: r.seq,
	}
	e.timer = r.clock.AfterFunc(d, func() {
		r.Lock()
		current, ok := r.timers[key]
		if !ok || current.seq != e.seq {
			// Stopped or replaced.
			r.Unlock()
			return
		}
		delete(r.timers, key)
		r.Unlock()

		fn()
	})
	r.timers[key] = e
}

// Stop cancels the timer for key. Returns true if a timer was pending.
func (r *Registry) Stop(key string) bool {
	r.Lock()
	defer r.Unlock()

	e, ok := r.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(r.timers, key)

	return true
}

// StopAll cancels all pending timers.
func (r *Registry) StopAll() {
	r.Lock()
	defer r.Unlock()

	for key, e := range r.timers {
		e.timer.Stop()
		delete(r.timers, key)
	}
}

// Has returns true if a timer for key is pending.
func (r *Registry) Has(key string) bool {
	r.Lock()
	_, ok := r.timers[key]
	r.Unlock()

	return ok
}

// Len returns the number of pending timers.
func (r *Registry) Len() int {
	r.Lock()
	n := len(r.timers)
	r.Unlock()

	return n
}

// Clock returns the clock of the accociated registry.
func (r *Registry) Clock() clock.Clock {
	return r.clock
}
