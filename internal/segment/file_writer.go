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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sneller-vcore/vcore/internal/vecbatch"

	"github.com/sneller-vcore/vcore/compr"
)

// FileWriter is a reference Writer implementation that serializes
// each (tableID, maxLSN) segment to its own file under Dir.
//
// Encoded contents are zstd-compressed via the compr package before
// being written out. The write is made idempotent/atomic by writing
// to a ".tmp" name first, then renaming into place. A second call
// with the same (tableID, maxLSN) silently overwrites the existing
// segment with byte-identical contents.
type FileWriter struct {
	Dir string
}

func (w *FileWriter) path(tableID string, maxLSN uint64) string {
	return filepath.Join(w.Dir, fmt.Sprintf("%s.%020d.seg", tableID, maxLSN))
}

// Serialize implements Writer.
func (w *FileWriter) Serialize(ctx context.Context, tableID string, batches []vecbatch.VectorBatch, tombstones []vecbatch.Tombstone, maxLSN uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(batches, tombstones, maxLSN)
	if err != nil {
		return err
	}
	comp := compr.Compression("zstd")
	packed := comp.Compress(raw, nil)

	// Decompress requires a dst slice of exactly the original
	// length, so the uncompressed size travels alongside the
	// compressed payload in an 8-byte, uncompressed header.
	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(raw)))
	out := append(hdr[:], packed...)

	if err := os.MkdirAll(w.Dir, 0750); err != nil {
		return err
	}
	target := w.path(tableID, maxLSN)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, out, 0640); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads back a segment previously written by Serialize. It is
// provided for tests to verify round-trip fidelity.
func (w *FileWriter) Load(tableID string, maxLSN uint64) ([]vecbatch.VectorBatch, []vecbatch.Tombstone, error) {
	out, err := os.ReadFile(w.path(tableID, maxLSN))
	if err != nil {
		return nil, nil, err
	}
	if len(out) < 8 {
		return nil, nil, errors.New("segment: truncated file")
	}
	rawLen := binary.LittleEndian.Uint64(out[:8])
	packed := out[8:]
	decomp := compr.Decompression("zstd")
	raw := make([]byte, rawLen)
	if err := decomp.Decompress(packed, raw); err != nil {
		return nil, nil, fmt.Errorf("segment: decompress: %w", err)
	}
	return decode(raw)
}

// encode produces a minimal self-describing binary form:
//
//	uint64 maxLSN
//	uint32 batch count
//	  per batch: uint8 kind, uint32 N, uint32 D, uint32 payload len, payload, N*int64 ids
//	uint32 tombstone count
//	  int64 per tombstone
func encode(batches []vecbatch.VectorBatch, tombstones []vecbatch.Tombstone, maxLSN uint64) ([]byte, error) {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:8], maxLSN)
	buf.Write(scratch[:8])

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(batches)))
	buf.Write(scratch[:4])
	for _, b := range batches {
		buf.WriteByte(byte(b.Kind))
		binary.LittleEndian.PutUint32(scratch[:4], uint32(b.N))
		buf.Write(scratch[:4])
		binary.LittleEndian.PutUint32(scratch[:4], uint32(b.D))
		buf.Write(scratch[:4])
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(b.Payload)))
		buf.Write(scratch[:4])
		buf.Write(b.Payload)
		for _, id := range b.IDs {
			binary.LittleEndian.PutUint64(scratch[:8], uint64(id))
			buf.Write(scratch[:8])
		}
	}

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(tombstones)))
	buf.Write(scratch[:4])
	for _, t := range tombstones {
		binary.LittleEndian.PutUint64(scratch[:8], uint64(t))
		buf.Write(scratch[:8])
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) ([]vecbatch.VectorBatch, []vecbatch.Tombstone, error) {
	r := bytes.NewReader(raw)
	readU64 := func() (uint64, error) {
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	}
	readU32 := func() (uint32, error) {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(b[:]), nil
	}

	if _, err := readU64(); err != nil { // maxLSN, unused by the caller here
		return nil, nil, err
	}
	nbatch, err := readU32()
	if err != nil {
		return nil, nil, err
	}
	batches := make([]vecbatch.VectorBatch, 0, nbatch)
	for i := uint32(0); i < nbatch; i++ {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, nil, err
		}
		n, err := readU32()
		if err != nil {
			return nil, nil, err
		}
		d, err := readU32()
		if err != nil {
			return nil, nil, err
		}
		plen, err := readU32()
		if err != nil {
			return nil, nil, err
		}
		payload := make([]byte, plen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, err
		}
		ids := make([]int64, n)
		for j := range ids {
			v, err := readU64()
			if err != nil {
				return nil, nil, err
			}
			ids[j] = int64(v)
		}
		batches = append(batches, vecbatch.VectorBatch{
			Kind:    vecbatch.ElementKind(kindByte),
			N:       int(n),
			D:       int(d),
			Payload: payload,
			IDs:     ids,
		})
	}

	ntomb, err := readU32()
	if err != nil {
		return nil, nil, err
	}
	tombstones := make([]vecbatch.Tombstone, ntomb)
	for i := range tombstones {
		v, err := readU64()
		if err != nil {
			return nil, nil, err
		}
		tombstones[i] = vecbatch.Tombstone(v)
	}
	return batches, tombstones, nil
}
