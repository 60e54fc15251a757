// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config models an external configuration service: a source
// of dynamic tunables that fires callbacks to registered identities
// on change.
package config

import "sync"

// Service is the consumed Configuration service interface. Keys used
// by this core: "gpu.resource.enable", "gpu.resource.cache_capacity",
// "gpu.resource.cache_threshold".
type Service interface {
	Bool(section, key string) (bool, error)
	Int(section, key string) (int64, error)
	Float(section, key string) (float64, error)

	// RegisterCallback arranges for fn to be invoked (on the
	// config service's own goroutine) whenever section/key
	// changes. identity scopes cancellation; a given identity may
	// register at most once per (section, key) pair.
	RegisterCallback(section, key, identity string, fn func())
	// CancelCallback removes a prior registration. It is a no-op
	// if no such registration exists.
	CancelCallback(section, key, identity string)
}

type callbackKey struct {
	section, key, identity string
}

// MemConfig is an in-memory reference Service used by tests and
// cmd/vcored. It follows the same pattern as small mutex-guarded
// maps with registered callbacks elsewhere in this kind of codebase
// (a map mutex plus a parallel map of registered callback funcs).
type MemConfig struct {
	mu        sync.Mutex
	bools     map[string]bool
	ints      map[string]int64
	floats    map[string]float64
	callbacks map[callbackKey]func()
}

// NewMemConfig builds an empty MemConfig.
func NewMemConfig() *MemConfig {
	return &MemConfig{
		bools:     make(map[string]bool),
		ints:      make(map[string]int64),
		floats:    make(map[string]float64),
		callbacks: make(map[callbackKey]func()),
	}
}

func dotted(section, key string) string { return section + "." + key }

// Bool implements Service.
func (c *MemConfig) Bool(section, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bools[dotted(section, key)], nil
}

// Int implements Service.
func (c *MemConfig) Int(section, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ints[dotted(section, key)], nil
}

// Float implements Service.
func (c *MemConfig) Float(section, key string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.floats[dotted(section, key)], nil
}

// SetBool updates a boolean value and fires any registered
// callbacks for section/key.
func (c *MemConfig) SetBool(section, key string, v bool) {
	c.mu.Lock()
	c.bools[dotted(section, key)] = v
	fns := c.matchingLocked(section, key)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SetInt updates an integer value and fires any registered callbacks.
func (c *MemConfig) SetInt(section, key string, v int64) {
	c.mu.Lock()
	c.ints[dotted(section, key)] = v
	fns := c.matchingLocked(section, key)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SetFloat updates a float value and fires any registered callbacks.
func (c *MemConfig) SetFloat(section, key string, v float64) {
	c.mu.Lock()
	c.floats[dotted(section, key)] = v
	fns := c.matchingLocked(section, key)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *MemConfig) matchingLocked(section, key string) []func() {
	var fns []func()
	for k, fn := range c.callbacks {
		if k.section == section && k.key == key {
			fns = append(fns, fn)
		}
	}
	return fns
}

// RegisterCallback implements Service.
func (c *MemConfig) RegisterCallback(section, key, identity string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[callbackKey{section, key, identity}] = fn
}

// CancelCallback implements Service.
func (c *MemConfig) CancelCallback(section, key, identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.callbacks, callbackKey{section, key, identity})
}
