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

// Package memtable implements the per-table mutable write buffer: it
// absorbs inserts and tombstones, tracks the log-sequence number, and
// serializes itself to a Segment writer exactly once.
package memtable

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sneller-vcore/vcore/internal/engine"
	"github.com/sneller-vcore/vcore/internal/segment"
	"github.com/sneller-vcore/vcore/internal/status"
	"github.com/sneller-vcore/vcore/internal/vecbatch"
)

const tombstoneBytes = 8

// MemTable is the mutable accumulator for a single table. Callers
// (the MutableBufferManager) are expected to serialize all calls to
// Add/Delete/SetLSN/Serialize/Empty against the same MemTable; only
// GetCurrentMem and LSN, which read atomics, are safe to call
// without external synchronization.
type MemTable struct {
	tableID string
	opts    *engine.EngineOptions // non-owning

	schema      engine.TableSchema
	schemaKnown bool

	batches    []vecbatch.VectorBatch
	tombstones []vecbatch.Tombstone

	bytes     int64 // atomic
	lsn       uint64 // atomic
	terminal  int32  // atomic bool; 0 = false
}

// New constructs a MemTable for tableID. It is lazily created on
// first write by the MutableBufferManager.
func New(tableID string, opts *engine.EngineOptions) *MemTable {
	return &MemTable{tableID: tableID, opts: opts}
}

// TableID returns the table this MemTable buffers.
func (m *MemTable) TableID() string { return m.tableID }

func (m *MemTable) isTerminal() bool {
	return atomic.LoadInt32(&m.terminal) != 0
}

func (m *MemTable) errIfTerminal() error {
	if m.isTerminal() {
		return status.New(status.Internal, "memtable %q is terminal (already serialized)", m.tableID)
	}
	return nil
}

// Add appends source's VectorBatch to the pending sequence after
// validating it against the table's schema (fetched lazily from the
// MetadataStore on first Add). No external I/O other than that lazy
// schema lookup is performed.
func (m *MemTable) Add(source vecbatch.VectorBatch) error {
	if err := m.errIfTerminal(); err != nil {
		return err
	}
	if !m.schemaKnown {
		sc, err := m.opts.Metadata.DescribeTable(m.tableID)
		if err != nil {
			return err
		}
		m.schema = sc
		m.schemaKnown = true
	}
	if err := source.Validate(m.schema.Dimension, m.schema.ElementKind); err != nil {
		return err
	}
	m.batches = append(m.batches, source)
	atomic.AddInt64(&m.bytes, source.Bytes())
	return nil
}

// Delete appends a tombstone for id. It never consults existing
// batches and is O(1).
func (m *MemTable) Delete(id int64) error {
	if err := m.errIfTerminal(); err != nil {
		return err
	}
	m.tombstones = append(m.tombstones, vecbatch.Tombstone(id))
	atomic.AddInt64(&m.bytes, tombstoneBytes)
	return nil
}

// DeleteBulk appends a tombstone for each id. If continueOnError is
// false (the default, for drop-in-compatible callers), it stops at
// the first error. If true, it applies every id and returns a
// combined error describing the ones that failed — see DESIGN.md for
// the rationale behind offering both policies.
func (m *MemTable) DeleteBulk(ids []int64, continueOnError bool) error {
	var errs []error
	for _, id := range ids {
		if err := m.Delete(id); err != nil {
			if !continueOnError {
				return err
			}
			errs = append(errs, fmt.Errorf("id %d: %w", id, err))
		}
	}
	return joinErrors(errs)
}

// SetLSN records max(current_lsn, lsn): LSN is monotonically
// non-decreasing across successive calls.
func (m *MemTable) SetLSN(lsn uint64) error {
	if err := m.errIfTerminal(); err != nil {
		return err
	}
	for {
		cur := atomic.LoadUint64(&m.lsn)
		if lsn <= cur {
			return nil
		}
		if atomic.CompareAndSwapUint64(&m.lsn, cur, lsn) {
			return nil
		}
	}
}

// LSN returns the current LSN.
func (m *MemTable) LSN() uint64 { return atomic.LoadUint64(&m.lsn) }

// GetCurrentMem returns the byte footprint: lock-free, safe to call
// without external synchronization.
func (m *MemTable) GetCurrentMem() int64 { return atomic.LoadInt64(&m.bytes) }

// Empty reports whether there are no pending batches and no
// tombstones.
func (m *MemTable) Empty() bool {
	return len(m.batches) == 0 && len(m.tombstones) == 0
}

// Serialize commits all pending batches and tombstones to w under
// maxLSN, then marks the MemTable terminal. Serialize is atomic from
// the caller's perspective: on failure the MemTable is left exactly
// as it was (the pending sequence and byte footprint are untouched,
// and the MemTable remains non-terminal so a future Flush can retry
// it). A panic raised by w (simulating an unwind from the
// out-of-scope segment-writer boundary) is recovered here and
// converted to status.IoError — the one place in the core that
// installs a recover(), at the public-API edge this collaborator
// crosses.
func (m *MemTable) Serialize(ctx context.Context, w segment.Writer, maxLSN uint64) (err error) {
	if err := m.errIfTerminal(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = status.New(status.IoError, "segment writer panicked: %v", r)
		}
	}()
	if serr := w.Serialize(ctx, m.tableID, m.batches, m.tombstones, maxLSN); serr != nil {
		return status.Wrap(status.IoError, serr, "serializing table %q", m.tableID)
	}
	atomic.StoreInt32(&m.terminal, 1)
	return nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msg := fmt.Sprintf("%d of %d deletes failed:", len(errs), len(errs))
	for _, e := range errs {
		msg += " " + e.Error() + ";"
	}
	return status.New(status.Internal, "%s", msg)
}
