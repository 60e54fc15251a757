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

// Package devicecache manages a per-device family of bounded caches
// of materialized index artifacts, lazily instantiated and
// reconfigurable at runtime from the Config service. Each device gets
// its own generic cache keyed by device id.
package devicecache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dchest/siphash"
	"github.com/google/uuid"

	"github.com/sneller-vcore/vcore/internal/cache"
	"github.com/sneller-vcore/vcore/internal/config"
)

const (
	sectionGPU      = "gpu.resource"
	keyEnable       = "enable"
	keyCapacity     = "cache_capacity" // gigabytes
	keyThreshold    = "cache_threshold"
	gib       int64 = 1 << 30
)

// Artifact is the capability set cached values must implement: their
// size, and a release hook run once the last reference to them
// drops. No further introspection is ever performed on a cached
// artifact.
type Artifact interface {
	SizeBytes() int64
	Release()
}

// Logger is a single Printf-style method, nil-safe.
type Logger interface {
	Printf(f string, args ...interface{})
}

// deviceState bundles a device's cache with the enabled flag
// mirrored from the config service and the identity used to
// register/cancel its callback.
type deviceState struct {
	cache    *cache.BoundedCache[Artifact]
	enabled  atomic.Bool
	identity string
}

// Manager is the per-process device cache manager: a lazily-populated
// map of device id to BoundedCache, gated per-device by a
// config-mirrored enable flag.
type Manager struct {
	Logger Logger

	conf config.Service

	mu      sync.Mutex
	devices map[uint64]*deviceState
}

// New constructs a Manager that reads its per-device defaults from
// conf.
func New(conf config.Service) *Manager {
	return &Manager{
		conf:    conf,
		devices: make(map[uint64]*deviceState),
	}
}

func (m *Manager) errorf(f string, args ...interface{}) {
	if m.Logger != nil {
		m.Logger.Printf(f, args...)
	}
}

// GetInstance returns the BoundedCache for deviceID, constructing it
// on first use. The lookup and the construction happen in one
// critical section under the manager mutex, so each device's cache is
// created at most once; every call takes the mutex, with no lock-free
// first check. The
// new cache reads its capacity (GiB -> bytes) and watermark from the
// Config service, then registers a callback on "gpu.resource.enable"
// so the device's enabled flag tracks configuration changes.
func (m *Manager) GetInstance(deviceID uint64) *cache.BoundedCache[Artifact] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.devices[deviceID]; ok {
		return st.cache
	}
	st := m.newDeviceLocked(deviceID)
	m.devices[deviceID] = st
	return st.cache
}

func (m *Manager) newDeviceLocked(deviceID uint64) *deviceState {
	capGiB, err := m.conf.Int(sectionGPU, keyCapacity)
	if err != nil {
		m.errorf("devicecache: reading %s.%s: %s", sectionGPU, keyCapacity, err)
	}
	threshold, err := m.conf.Float(sectionGPU, keyThreshold)
	if err != nil {
		m.errorf("devicecache: reading %s.%s: %s", sectionGPU, keyThreshold, err)
	}
	enabled, err := m.conf.Bool(sectionGPU, keyEnable)
	if err != nil {
		m.errorf("devicecache: reading %s.%s: %s", sectionGPU, keyEnable, err)
	}

	c := cache.New[Artifact](capGiB*gib, threshold)
	c.OnRelease(func(a Artifact) { a.Release() })
	st := &deviceState{
		cache:    c,
		identity: deviceIdentity(deviceID),
	}
	st.enabled.Store(enabled)

	m.conf.RegisterCallback(sectionGPU, keyEnable, st.identity, func() {
		v, err := m.conf.Bool(sectionGPU, keyEnable)
		if err != nil {
			m.errorf("devicecache: refreshing %s.%s: %s", sectionGPU, keyEnable, err)
			return
		}
		st.enabled.Store(v)
	})
	return st
}

// deviceIdentity mints a stable, process-unique callback identity
// for a device, seeded with a random uuid and salted with a
// siphash of the device id so that identities for the same device
// are trivially distinguishable in logs across restarts without
// leaking the raw uuid as the sole entropy source.
func deviceIdentity(deviceID uint64) string {
	salt := siphash.Hash(0, 0, []byte(fmt.Sprintf("device-cache-%d", deviceID)))
	return fmt.Sprintf("devicecache-%d-%x-%s", deviceID, salt, uuid.NewString())
}

// Lookup delegates to the underlying BoundedCache regardless of the
// enabled flag: reads remain valid even when new inserts are
// disabled.
func (m *Manager) Lookup(deviceID uint64, key string) (*cache.CacheEntry[Artifact], bool) {
	return m.GetInstance(deviceID).Lookup(key)
}

// Insert delegates to the underlying BoundedCache, unless the
// device is currently disabled, in which case it is a silent no-op
// (the same treatment an oversized-value Insert failure gets).
func (m *Manager) Insert(deviceID uint64, key string, value Artifact) bool {
	m.GetInstance(deviceID) // ensure the device state exists
	m.mu.Lock()
	st := m.devices[deviceID]
	m.mu.Unlock()
	if !st.enabled.Load() {
		return false
	}
	return st.cache.Insert(key, value)
}

// Shutdown cancels every registered config callback. Cache contents
// are released when the last shared reference to each value drops.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.devices {
		m.conf.CancelCallback(sectionGPU, keyEnable, st.identity)
		st.cache.Clear()
		delete(m.devices, id)
	}
}
