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

// Package segment declares the out-of-core sink a MemTable
// serializes into, plus one reference file-backed implementation.
package segment

import (
	"context"

	"github.com/sneller-vcore/vcore/internal/vecbatch"
)

// Writer is the external Segment writer collaborator. Implementations
// must be idempotent for a given (tableID, maxLSN) pair: the
// MutableBufferManager relies on this for retries.
type Writer interface {
	Serialize(ctx context.Context, tableID string, batches []vecbatch.VectorBatch, tombstones []vecbatch.Tombstone, maxLSN uint64) error
}

// WriterFunc adapts a function to a Writer, the usual functional
// adapter for a single-method interface.
type WriterFunc func(ctx context.Context, tableID string, batches []vecbatch.VectorBatch, tombstones []vecbatch.Tombstone, maxLSN uint64) error

// Serialize implements Writer.
func (f WriterFunc) Serialize(ctx context.Context, tableID string, batches []vecbatch.VectorBatch, tombstones []vecbatch.Tombstone, maxLSN uint64) error {
	return f(ctx, tableID, batches, tombstones, maxLSN)
}
