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

package segment

import (
	"context"
	"testing"

	"github.com/sneller-vcore/vcore/internal/vecbatch"
)

func sampleBatch() vecbatch.VectorBatch {
	return vecbatch.VectorBatch{
		Kind:    vecbatch.ElementFloat32,
		N:       2,
		D:       3,
		Payload: []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23},
		IDs:     []int64{1, 2},
	}
}

func TestFileWriterRoundTrip(t *testing.T) {
	w := &FileWriter{Dir: t.TempDir()}
	batches := []vecbatch.VectorBatch{sampleBatch()}
	tombstones := []vecbatch.Tombstone{42}

	if err := w.Serialize(context.Background(), "T", batches, tombstones, 7); err != nil {
		t.Fatalf("Serialize: %s", err)
	}

	gotBatches, gotTombstones, err := w.Load("T", 7)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if len(gotBatches) != 1 {
		t.Fatalf("got %d batches, want 1", len(gotBatches))
	}
	if gotBatches[0].N != 2 || gotBatches[0].D != 3 {
		t.Fatalf("batch shape mismatch: %+v", gotBatches[0])
	}
	for i, b := range batches[0].Payload {
		if gotBatches[0].Payload[i] != b {
			t.Fatalf("payload byte %d mismatch: got %d want %d", i, gotBatches[0].Payload[i], b)
		}
	}
	if len(gotTombstones) != 1 || gotTombstones[0] != 42 {
		t.Fatalf("tombstones = %v, want [42]", gotTombstones)
	}
}

func TestFileWriterIdempotent(t *testing.T) {
	w := &FileWriter{Dir: t.TempDir()}
	batches := []vecbatch.VectorBatch{sampleBatch()}
	if err := w.Serialize(context.Background(), "T", batches, nil, 1); err != nil {
		t.Fatalf("first Serialize: %s", err)
	}
	if err := w.Serialize(context.Background(), "T", batches, nil, 1); err != nil {
		t.Fatalf("second Serialize: %s", err)
	}
	got, _, err := w.Load("T", 1)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d batches, want 1", len(got))
	}
}

func TestFileWriterCanceledContext(t *testing.T) {
	w := &FileWriter{Dir: t.TempDir()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Serialize(ctx, "T", nil, nil, 1); err == nil {
		t.Fatalf("expected error for canceled context")
	}
}

func TestWriterFuncAdapter(t *testing.T) {
	var called bool
	var wr Writer = WriterFunc(func(ctx context.Context, tableID string, batches []vecbatch.VectorBatch, tombstones []vecbatch.Tombstone, maxLSN uint64) error {
		called = true
		return nil
	})
	if err := wr.Serialize(context.Background(), "T", nil, nil, 0); err != nil {
		t.Fatalf("Serialize: %s", err)
	}
	if !called {
		t.Fatalf("WriterFunc did not invoke the wrapped function")
	}
}
