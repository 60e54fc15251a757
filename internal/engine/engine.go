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

// Package engine holds the schema and options shared by every
// MemTable owned by a MutableBufferManager.
package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/sneller-vcore/vcore/internal/status"
	"github.com/sneller-vcore/vcore/internal/vecbatch"
)

// TableSchema describes the shape of vectors stored in a table,
// as reported by a MetadataStore.
type TableSchema struct {
	TableID     string
	Dimension   int
	ElementKind vecbatch.ElementKind
	Partitions  []string
}

// Equal reports whether s and other describe the same table.
func (s TableSchema) Equal(other TableSchema) bool {
	return s.TableID == other.TableID &&
		s.Dimension == other.Dimension &&
		s.ElementKind == other.ElementKind &&
		slices.Equal(s.Partitions, other.Partitions)
}

// MetadataStore is the external metadata collaborator: it supplies
// table schemas and tracks partitions. It is consulted lazily by a
// MemTable on its first Add.
type MetadataStore interface {
	// DescribeTable returns the schema for tableID, or a
	// *status.Error with Code == status.NotFound.
	DescribeTable(tableID string) (TableSchema, error)
	// CreatePartition registers tag as a partition of tableID.
	// It returns a *status.Error with Code == status.AlreadyExists
	// if tag is already registered.
	CreatePartition(tableID, tag string) error
}

// EngineOptions holds the tunables shared by every MemTable a
// MutableBufferManager owns. A MemTable keeps a non-owning
// reference to EngineOptions; the MutableBufferManager is
// responsible for keeping it alive for as long as any MemTable
// it constructed is still reachable.
type EngineOptions struct {
	// InsertBufferSize is the global byte ceiling (mutable +
	// immutable) before an implicit flush is triggered.
	InsertBufferSize int64
	// Metadata is consulted for table schemas.
	Metadata MetadataStore
}

// StaticMetadataStore is an in-memory MetadataStore reference
// implementation, a mutex-guarded map of schemas and partition tags,
// used by tests and cmd/vcored.
type StaticMetadataStore struct {
	mu     sync.Mutex
	tables map[string]TableSchema
	tags   map[string]map[string]struct{}
}

// NewStaticMetadataStore builds a store pre-populated with schemas.
func NewStaticMetadataStore(schemas ...TableSchema) *StaticMetadataStore {
	s := &StaticMetadataStore{
		tables: make(map[string]TableSchema),
		tags:   make(map[string]map[string]struct{}),
	}
	for _, sc := range schemas {
		s.tables[sc.TableID] = sc
		s.tags[sc.TableID] = make(map[string]struct{})
	}
	return s
}

// DescribeTable implements MetadataStore.
func (s *StaticMetadataStore) DescribeTable(tableID string) (TableSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.tables[tableID]
	if !ok {
		return TableSchema{}, status.New(status.NotFound, "table %q not found", tableID)
	}
	return sc, nil
}

// CreatePartition implements MetadataStore. An empty tag mints a
// fresh one via uuid, so every partition always has a concrete tag
// even when the caller leaves it unspecified.
func (s *StaticMetadataStore) CreatePartition(tableID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.tags[tableID]
	if !ok {
		return status.New(status.NotFound, "table %q not found", tableID)
	}
	if tag == "" {
		tag = uuid.NewString()
	}
	if _, exists := set[tag]; exists {
		return status.New(status.AlreadyExists, "partition %q already exists on table %q", tag, tableID)
	}
	set[tag] = struct{}{}
	sc := s.tables[tableID]
	sc.Partitions = append(slices.Clone(sc.Partitions), tag)
	s.tables[tableID] = sc
	return nil
}

// String implements fmt.Stringer for debugging/log messages.
func (s TableSchema) String() string {
	return fmt.Sprintf("%s(dim=%d,kind=%s,partitions=%d)", s.TableID, s.Dimension, s.ElementKind, len(s.Partitions))
}
