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

package devicecache

import (
	"testing"

	"github.com/sneller-vcore/vcore/internal/config"
)

type fakeArtifact struct {
	size     int64
	released bool
}

func (f *fakeArtifact) SizeBytes() int64 { return f.size }
func (f *fakeArtifact) Release()         { f.released = true }

func newTestManager(t *testing.T) (*Manager, *config.MemConfig) {
	t.Helper()
	conf := config.NewMemConfig()
	conf.SetInt(sectionGPU, keyCapacity, 1) // 1 GiB
	conf.SetFloat(sectionGPU, keyThreshold, 0)
	conf.SetBool(sectionGPU, keyEnable, true)
	return New(conf), conf
}

// TestDisabledInsertIsNoOp: while enabled=false, Lookup("k") misses,
// Insert("k", v) is a no-op, and Lookup("k") still misses afterward.
func TestDisabledInsertIsNoOp(t *testing.T) {
	m, conf := newTestManager(t)
	conf.SetBool(sectionGPU, keyEnable, false)

	if _, ok := m.Lookup(1, "k"); ok {
		t.Fatalf("Lookup should miss before any insert")
	}
	if m.Insert(1, "k", &fakeArtifact{size: 10}) {
		t.Fatalf("Insert should be a no-op while disabled")
	}
	if _, ok := m.Lookup(1, "k"); ok {
		t.Fatalf("Lookup should still miss after a disabled Insert")
	}
}

func TestEnabledInsertSucceeds(t *testing.T) {
	m, _ := newTestManager(t)
	if !m.Insert(1, "k", &fakeArtifact{size: 10}) {
		t.Fatalf("Insert should succeed while enabled")
	}
	e, ok := m.Lookup(1, "k")
	if !ok {
		t.Fatalf("Lookup should hit after Insert")
	}
	e.Release()
}

func TestEnableCallbackTracksConfig(t *testing.T) {
	m, conf := newTestManager(t)
	m.GetInstance(1) // force construction + callback registration
	conf.SetBool(sectionGPU, keyEnable, false)
	if m.Insert(1, "k", &fakeArtifact{size: 10}) {
		t.Fatalf("Insert should be a no-op after config disables the device")
	}
	conf.SetBool(sectionGPU, keyEnable, true)
	if !m.Insert(1, "k", &fakeArtifact{size: 10}) {
		t.Fatalf("Insert should succeed after config re-enables the device")
	}
}

func TestPerDeviceIsolation(t *testing.T) {
	m, _ := newTestManager(t)
	m.Insert(1, "k", &fakeArtifact{size: 10})
	if _, ok := m.Lookup(2, "k"); ok {
		t.Fatalf("device 2 should not see device 1's entry")
	}
}

func TestGetInstanceIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	a := m.GetInstance(1)
	b := m.GetInstance(1)
	if a != b {
		t.Fatalf("GetInstance should return the same cache for repeated calls")
	}
}

func TestShutdownCancelsCallbacksAndClears(t *testing.T) {
	m, conf := newTestManager(t)
	m.Insert(1, "k", &fakeArtifact{size: 10})
	m.Shutdown()
	if _, ok := m.Lookup(1, "k"); ok {
		t.Fatalf("Lookup should miss after Shutdown cleared the cache")
	}
	// Re-toggling the config after Shutdown must not touch a
	// cancelled/stale device state.
	conf.SetBool(sectionGPU, keyEnable, false)
}

func TestEvictionReleasesArtifact(t *testing.T) {
	m, _ := newTestManager(t)
	c := m.GetInstance(5)
	c.SetCapacityBytes(1) // force every subsequent insert to evict siblings

	a := &fakeArtifact{size: 1}
	m.Insert(5, "a", a)
	b := &fakeArtifact{size: 1}
	m.Insert(5, "b", b)

	if !a.released {
		t.Fatalf("evicted artifact should have had Release called")
	}
}
