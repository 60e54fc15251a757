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

// Package vecbatch defines the wire-level data carried on the
// write path: batches of high-dimensional vectors plus tombstones.
package vecbatch

import (
	"github.com/sneller-vcore/vcore/internal/status"
)

// ElementKind selects the representation of a vector's components.
type ElementKind uint8

const (
	// ElementFloat32 indicates 32-bit IEEE-754 floats.
	ElementFloat32 ElementKind = iota
	// ElementPackedByte indicates packed single-byte components.
	ElementPackedByte
)

// Size returns the size in bytes of one vector component of kind k.
func (k ElementKind) Size() int64 {
	switch k {
	case ElementPackedByte:
		return 1
	default:
		return 4
	}
}

func (k ElementKind) String() string {
	if k == ElementPackedByte {
		return "packed-byte"
	}
	return "float32"
}

// VectorBatch is an immutable set of N D-dimensional vectors
// plus their associated identifiers. The Payload carries the
// raw N*D*elemSize(Kind) bytes regardless of Kind; the caller
// asserts which kind the bytes represent.
type VectorBatch struct {
	Kind    ElementKind
	N       int
	D       int
	Payload []byte
	IDs     []int64
}

// Bytes returns the footprint of the batch: payload plus the
// 8-byte identifiers.
func (b VectorBatch) Bytes() int64 {
	return int64(len(b.Payload)) + int64(len(b.IDs))*8
}

// Validate checks the batch's internal consistency, that its
// dimension equals dim when dim is positive, and that its kind
// equals kind.
// An empty batch (N == 0) is rejected, matching MemTable.Add's
// "empty batch" error case.
func (b VectorBatch) Validate(dim int, kind ElementKind) error {
	if b.N <= 0 {
		return status.New(status.InvalidArgument, "vector batch is empty")
	}
	if len(b.IDs) != b.N {
		return status.New(status.InvalidArgument,
			"id array length %d does not match vector count %d", len(b.IDs), b.N)
	}
	wantPayload := int64(b.N) * int64(b.D) * b.Kind.Size()
	if int64(len(b.Payload)) != wantPayload {
		return status.New(status.InvalidArgument,
			"payload length %d does not match N*D*elemSize = %d", len(b.Payload), wantPayload)
	}
	if dim > 0 && b.D != dim {
		return status.New(status.InvalidArgument,
			"batch dimension %d does not match table dimension %d", b.D, dim)
	}
	if kind != b.Kind {
		return status.New(status.InvalidArgument,
			"batch element kind %s does not match table element kind %s", b.Kind, kind)
	}
	return nil
}

// Tombstone logically marks a prior vector identifier for deletion.
type Tombstone int64

// tombstoneBytes is sizeof(id) used for byte-footprint accounting.
const tombstoneBytes = 8
