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

package memtable

import (
	"context"
	"testing"

	"github.com/sneller-vcore/vcore/internal/engine"
	"github.com/sneller-vcore/vcore/internal/segment"
	"github.com/sneller-vcore/vcore/internal/status"
	"github.com/sneller-vcore/vcore/internal/vecbatch"
)

func testOpts() *engine.EngineOptions {
	return &engine.EngineOptions{
		InsertBufferSize: 1 << 20,
		Metadata: engine.NewStaticMetadataStore(engine.TableSchema{
			TableID:     "T",
			Dimension:   4,
			ElementKind: vecbatch.ElementFloat32,
		}),
	}
}

func sampleBatch(n int) vecbatch.VectorBatch {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	return vecbatch.VectorBatch{
		Kind:    vecbatch.ElementFloat32,
		N:       n,
		D:       4,
		Payload: make([]byte, n*4*4),
		IDs:     ids,
	}
}

func TestAddAccumulatesBytes(t *testing.T) {
	m := New("T", testOpts())
	b := sampleBatch(8)
	if err := m.Add(b); err != nil {
		t.Fatalf("Add: %s", err)
	}
	want := b.Bytes()
	if got := m.GetCurrentMem(); got != want {
		t.Fatalf("GetCurrentMem() = %d, want %d", got, want)
	}
	if m.Empty() {
		t.Fatalf("Empty() = true after Add")
	}
}

func TestAddRejectsSchemaMismatch(t *testing.T) {
	m := New("T", testOpts())
	bad := sampleBatch(8)
	bad.D = 8
	bad.Payload = make([]byte, 8*8*4) // internally consistent, only the dimension differs from the schema
	if err := m.Add(bad); !status.Is(err, status.InvalidArgument) {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
	if !m.Empty() {
		t.Fatalf("a failed Add must not change the byte footprint")
	}
}

func TestDeleteAccumulatesTombstoneBytes(t *testing.T) {
	m := New("T", testOpts())
	if err := m.Delete(1); err != nil {
		t.Fatalf("Delete: %s", err)
	}
	if err := m.Delete(2); err != nil {
		t.Fatalf("Delete: %s", err)
	}
	if got := m.GetCurrentMem(); got != 16 {
		t.Fatalf("GetCurrentMem() = %d, want 16", got)
	}
}

func TestDeleteBulkOnTerminalFails(t *testing.T) {
	m := New("T", testOpts())
	if err := m.Serialize(context.Background(), segment.WriterFunc(
		func(ctx context.Context, tableID string, batches []vecbatch.VectorBatch, tombstones []vecbatch.Tombstone, maxLSN uint64) error {
			return nil
		}), 1); err != nil {
		t.Fatalf("Serialize: %s", err)
	}
	if err := m.DeleteBulk([]int64{1, 2}, false); !status.Is(err, status.Internal) {
		t.Fatalf("DeleteBulk on a terminal MemTable should fail with Internal, got %v", err)
	}
}

func TestSetLSNIsMonotonic(t *testing.T) {
	m := New("T", testOpts())
	m.SetLSN(5)
	m.SetLSN(9)
	m.SetLSN(7)
	if m.LSN() != 9 {
		t.Fatalf("LSN() = %d, want 9 (max across SetLSN calls)", m.LSN())
	}
}

func TestSerializeMarksTerminal(t *testing.T) {
	m := New("T", testOpts())
	m.Add(sampleBatch(1))
	var gotTableID string
	w := segment.WriterFunc(func(ctx context.Context, tableID string, batches []vecbatch.VectorBatch, tombstones []vecbatch.Tombstone, maxLSN uint64) error {
		gotTableID = tableID
		return nil
	})
	if err := m.Serialize(context.Background(), w, 10); err != nil {
		t.Fatalf("Serialize: %s", err)
	}
	if gotTableID != "T" {
		t.Fatalf("writer saw tableID %q, want T", gotTableID)
	}
	if err := m.Add(sampleBatch(1)); !status.Is(err, status.Internal) {
		t.Fatalf("Add after Serialize should fail with Internal, got %v", err)
	}
}

func TestSerializeFailureLeavesStateIntact(t *testing.T) {
	m := New("T", testOpts())
	m.Add(sampleBatch(1))
	before := m.GetCurrentMem()
	w := segment.WriterFunc(func(ctx context.Context, tableID string, batches []vecbatch.VectorBatch, tombstones []vecbatch.Tombstone, maxLSN uint64) error {
		return status.New(status.IoError, "disk full")
	})
	if err := m.Serialize(context.Background(), w, 10); !status.Is(err, status.IoError) {
		t.Fatalf("want IoError, got %v", err)
	}
	if m.GetCurrentMem() != before {
		t.Fatalf("failed Serialize must not change byte footprint")
	}
	// Still non-terminal: a retry is possible.
	if err := m.Add(sampleBatch(1)); err != nil {
		t.Fatalf("MemTable should remain mutable after a failed Serialize: %s", err)
	}
}

func TestSerializePanicConvertsToIoError(t *testing.T) {
	m := New("T", testOpts())
	m.Add(sampleBatch(1))
	w := segment.WriterFunc(func(ctx context.Context, tableID string, batches []vecbatch.VectorBatch, tombstones []vecbatch.Tombstone, maxLSN uint64) error {
		panic("writer exploded")
	})
	err := m.Serialize(context.Background(), w, 10)
	if !status.Is(err, status.IoError) {
		t.Fatalf("want IoError from a recovered panic, got %v", err)
	}
}
