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

// Package buffer implements the MutableBufferManager: the per-process
// router of writes to per-table MemTables, the insert-buffer budget,
// and the flush pipeline that promotes and serializes them.
package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/sneller-vcore/vcore/internal/engine"
	"github.com/sneller-vcore/vcore/internal/memtable"
	"github.com/sneller-vcore/vcore/internal/segment"
	"github.com/sneller-vcore/vcore/internal/status"
	"github.com/sneller-vcore/vcore/internal/vecbatch"
)

// Logger matches devicecache.Logger's shape; nil is a valid, silent value.
type Logger interface {
	Printf(f string, args ...interface{})
}

// MutableBufferManager is the write-path router: it owns a table-id
// -> MemTable mutable map and an immutable list of MemTables awaiting
// serialization, and enforces the global insert buffer budget.
//
// Lock discipline separates a map mutex from a slower per-resource
// mutex guarding calls into the Segment writer: mMu always precedes
// sMu, and no code path re-enters mMu while holding sMu.
type MutableBufferManager struct {
	opts   *engine.EngineOptions
	writer segment.Writer
	Logger Logger

	mMu     sync.Mutex // guards mutable + immutable
	mutable map[string]*memtable.MemTable
	immutable []*memtable.MemTable

	sMu sync.Mutex // serializes calls into writer
}

// New constructs an empty MutableBufferManager. opts must outlive the
// manager and every MemTable it creates: the manager only holds a
// non-owning back-reference to it.
func New(opts *engine.EngineOptions, writer segment.Writer) *MutableBufferManager {
	return &MutableBufferManager{
		opts:    opts,
		writer:  writer,
		mutable: make(map[string]*memtable.MemTable),
	}
}

func (b *MutableBufferManager) logf(f string, args ...interface{}) {
	if b.Logger != nil {
		b.Logger.Printf(f, args...)
	}
}

func (b *MutableBufferManager) getOrCreateLocked(tableID string) *memtable.MemTable {
	mt, ok := b.mutable[tableID]
	if !ok {
		mt = memtable.New(tableID, b.opts)
		b.mutable[tableID] = mt
	}
	return mt
}

// InsertVectors routes batch to table_id's MemTable, applying lsn
// first. If the manager's current aggregate footprint (mutable +
// immutable) already exceeds InsertBufferSize, an implicit FlushAll
// runs before the batch is appended: the insert that is first observed
// to push the total over budget still lands in the mutable map, and it
// is the next insert that triggers the flush. The set of tables
// flushed as a side effect is returned in flushedTables, which may be
// empty.
func (b *MutableBufferManager) InsertVectors(ctx context.Context, tableID string, batch vecbatch.VectorBatch, lsn uint64) (flushedTables []string, err error) {
	var flushErr error
	if b.GetCurrentMem() > b.opts.InsertBufferSize {
		flushedTables, flushErr = b.FlushAll(ctx)
		if flushErr != nil {
			b.logf("buffer: implicit flush: %s", flushErr)
		}
	}

	b.mMu.Lock()
	mt := b.getOrCreateLocked(tableID)
	if err := mt.SetLSN(lsn); err != nil {
		b.mMu.Unlock()
		return flushedTables, err
	}
	addErr := mt.Add(batch)
	b.mMu.Unlock()

	if addErr != nil {
		return flushedTables, addErr
	}
	return flushedTables, flushErr
}

// DeleteVectors routes tombstones for ids to table_id's MemTable after
// applying lsn. continueOnError selects between two policies: false
// (the default a caller should pass for drop-in-compatible behavior)
// short-circuits on the first failing id; true applies every id and
// returns a combined error describing the ones that failed.
func (b *MutableBufferManager) DeleteVectors(ctx context.Context, tableID string, ids []int64, lsn uint64, continueOnError bool) error {
	b.mMu.Lock()
	defer b.mMu.Unlock()
	mt := b.getOrCreateLocked(tableID)
	if err := mt.SetLSN(lsn); err != nil {
		return err
	}
	return mt.DeleteBulk(ids, continueOnError)
}

// toImmutableLocked removes table_id's MemTable from the mutable map
// and returns it, or a status.NotFound error. Callers must hold mMu.
// The pointer is captured before the map delete so callers never
// observe a torn state between the two.
func (b *MutableBufferManager) toImmutableLocked(tableID string) (*memtable.MemTable, error) {
	mt, ok := b.mutable[tableID]
	if !ok {
		return nil, status.New(status.NotFound, "table %q has no mutable memtable", tableID)
	}
	delete(b.mutable, tableID)
	return mt, nil
}

// FlushTable promotes table_id's MemTable to the immutable list, then
// serializes the entire current immutable list (including any
// MemTables left over from a prior failed flush) while holding only
// sMu.
func (b *MutableBufferManager) FlushTable(ctx context.Context, tableID string) error {
	b.mMu.Lock()
	mt, err := b.toImmutableLocked(tableID)
	if err != nil {
		b.mMu.Unlock()
		return err
	}
	local := append(b.immutable, mt)
	b.immutable = nil
	b.mMu.Unlock()

	_, err = b.serializeAll(ctx, local)
	return err
}

// FlushAll promotes every non-empty mutable MemTable (empty ones are
// retained in place to avoid churn) to the immutable list, then
// serializes the whole immutable list. tableIDs names the tables
// actually serialized; it excludes tables that stayed mutable because
// they were empty, and it also excludes tables whose Serialize failed
// and were requeued — err names the first such failure.
func (b *MutableBufferManager) FlushAll(ctx context.Context) (tableIDs []string, err error) {
	b.mMu.Lock()
	var promoted []*memtable.MemTable
	for id, mt := range b.mutable {
		if mt.Empty() {
			continue
		}
		delete(b.mutable, id)
		promoted = append(promoted, mt)
	}
	local := append(b.immutable, promoted...)
	b.immutable = nil
	b.mMu.Unlock()

	return b.serializeAll(ctx, local)
}

// serializeAll serializes list under sMu alone, one at a time:
// single-writer per process, bounding memory amplification during
// flush. MemTables whose Serialize call fails are not dropped: they
// are requeued onto the immutable list once sMu is released, so a
// failed flush never silently loses data.
func (b *MutableBufferManager) serializeAll(ctx context.Context, list []*memtable.MemTable) (serialized []string, err error) {
	b.sMu.Lock()
	var requeue []*memtable.MemTable
	for _, mt := range list {
		if mt.Empty() {
			continue
		}
		if serr := mt.Serialize(ctx, b.writer, mt.LSN()); serr != nil {
			if err == nil {
				err = fmt.Errorf("flush: table %q: %w", mt.TableID(), serr)
			}
			requeue = append(requeue, mt)
			continue
		}
		serialized = append(serialized, mt.TableID())
	}
	b.sMu.Unlock()

	if len(requeue) > 0 {
		b.mMu.Lock()
		b.immutable = append(b.immutable, requeue...)
		b.mMu.Unlock()
	}
	return serialized, err
}

// EraseTable removes any mutable MemTable for table_id and drops it
// from the immutable list without serializing it: no Serialize call
// is ever made for an erased table.
func (b *MutableBufferManager) EraseTable(tableID string) {
	b.mMu.Lock()
	defer b.mMu.Unlock()
	delete(b.mutable, tableID)
	if len(b.immutable) == 0 {
		return
	}
	filtered := b.immutable[:0]
	for _, mt := range b.immutable {
		if mt.TableID() != tableID {
			filtered = append(filtered, mt)
		}
	}
	b.immutable = filtered
}

// Mutable returns the aggregate byte footprint of the mutable map.
func (b *MutableBufferManager) Mutable() int64 {
	b.mMu.Lock()
	defer b.mMu.Unlock()
	var total int64
	for _, mt := range b.mutable {
		total += mt.GetCurrentMem()
	}
	return total
}

// Immutable returns the aggregate byte footprint of the immutable list.
func (b *MutableBufferManager) Immutable() int64 {
	b.mMu.Lock()
	defer b.mMu.Unlock()
	var total int64
	for _, mt := range b.immutable {
		total += mt.GetCurrentMem()
	}
	return total
}

// GetCurrentMem returns Mutable() + Immutable(): the snapshot
// InsertVectors checks against InsertBufferSize.
func (b *MutableBufferManager) GetCurrentMem() int64 {
	return b.Mutable() + b.Immutable()
}

// GetMaxLSN returns the maximum LSN across the mutable map.
func (b *MutableBufferManager) GetMaxLSN() uint64 {
	b.mMu.Lock()
	defer b.mMu.Unlock()
	var max uint64
	for _, mt := range b.mutable {
		if l := mt.LSN(); l > max {
			max = l
		}
	}
	return max
}
