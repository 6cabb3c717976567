// Package index implements declared hash indexes (spec §4.2): partitioned
// lookup structures over 1-4 property or single-reference values, in
// unique or non-unique mode, with a "pending refill" state for indexes
// added over an already-populated class.
//
// Grounded on internal/storage/catalog.go's registration-locking style
// (a guarded name->descriptor map) for the Manager, and on
// internal/storage/mvcc.go's staged-write-then-commit pattern for how a
// refilling index absorbs concurrent live writes without losing them
// (spec §4.9 step 4/7: "create new indexes in refilling state" /
// "resume refill workers").
package index

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/veloxdb/velox/internal/model"
	"github.com/veloxdb/velox/internal/veloxerr"
)

// State is an index's readiness (spec §4.9).
type State uint8

const (
	// Refilling means the index was just declared over a class that
	// already has instances; a background worker is still backfilling
	// entries for pre-existing records while live writes land directly.
	Refilling State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "Active"
	}
	return "Refilling"
}

const defaultPartitions = 16

type partition struct {
	mu      sync.Mutex
	entries map[string]map[uint64]struct{}
}

func newPartition() *partition {
	return &partition{entries: make(map[string]map[uint64]struct{})}
}

// Index is one partitioned hash index over a class (and its descendants,
// per model.HashIndexDescriptor.DefiningClass).
type Index struct {
	Desc model.HashIndexDescriptor

	state      stateBox
	partitions []*partition
}

type stateBox struct {
	mu sync.RWMutex
	v  State
}

func (b *stateBox) load() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.v
}

func (b *stateBox) store(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.v = s
}

// New constructs an index. populated indicates whether the defining class
// already has instances, which determines the starting state.
func New(desc model.HashIndexDescriptor, populated bool) *Index {
	parts := make([]*partition, defaultPartitions)
	for i := range parts {
		parts[i] = newPartition()
	}
	ix := &Index{Desc: desc, partitions: parts}
	if populated {
		ix.state.store(Refilling)
	} else {
		ix.state.store(Active)
	}
	return ix
}

// State reports whether the index is still refilling.
func (ix *Index) State() State { return ix.state.load() }

// CompleteRefill transitions a refilling index to Active (spec §4.9 step
// 7: "resume refill workers" ends here once the backfill walk finishes).
func (ix *Index) CompleteRefill() { ix.state.store(Active) }

func (ix *Index) partitionFor(key string) *partition {
	h := fnv.New32a()
	h.Write([]byte(key))
	return ix.partitions[h.Sum32()%uint32(len(ix.partitions))]
}

// Insert adds id under key. In unique mode, inserting a second distinct
// id under an existing key fails with UniquenessViolation.
func (ix *Index) Insert(key string, id uint64) error {
	p := ix.partitionFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.entries[key]
	if ix.Desc.Unique && ok && len(set) > 0 {
		for existing := range set {
			if existing != id {
				return veloxerr.Newf(veloxerr.KindUniquenessViolation, "duplicate key for unique index %q", ix.Desc.Name).
					WithDetail(veloxerr.Detail{Key: key, ObjectID: id})
			}
		}
	}
	if !ok {
		set = make(map[uint64]struct{}, 1)
		p.entries[key] = set
	}
	set[id] = struct{}{}
	return nil
}

// Remove drops id from key's entry set.
func (ix *Index) Remove(key string, id uint64) {
	p := ix.partitionFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.entries[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(p.entries, key)
	}
}

// Lookup returns every id currently stored under key.
func (ix *Index) Lookup(key string) []uint64 {
	p := ix.partitionFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.entries[key]
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// EncodeKey builds the canonical string key for an ordered tuple of
// property/reference values (spec §4.2: "1-4 properties, ordered").
// Unsupported value types fail with IndexKeyTypeMismatch.
func EncodeKey(values []any) (string, error) {
	parts := make([]string, len(values))
	for i, v := range values {
		switch t := v.(type) {
		case bool, int32, int64, float32, float64, string, uint64:
			parts[i] = fmt.Sprintf("%v", t)
		case []byte:
			parts[i] = string(t)
		default:
			return "", veloxerr.Newf(veloxerr.KindIndexKeyTypeMismatch, "unsupported index key value type %T", v)
		}
	}
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "\x1f"
		}
		key += p
	}
	return key, nil
}

// Entries returns every (key, id) pair currently stored in the index,
// across all partitions. Used by snapshotting (spec §6: "per-index
// states") and by tests.
func (ix *Index) Entries() map[string][]uint64 {
	out := make(map[string][]uint64)
	for _, p := range ix.partitions {
		p.mu.Lock()
		for key, set := range p.entries {
			ids := make([]uint64, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			out[key] = ids
		}
		p.mu.Unlock()
	}
	return out
}

// Manager owns every declared index, keyed by defining class and index
// name.
type Manager struct {
	mu      sync.RWMutex
	indexes map[string]*Index
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{indexes: make(map[string]*Index)}
}

func indexKey(className, idxName string) string { return className + "." + idxName }

// Register adds a newly declared index (spec §4.9 step 4).
func (m *Manager) Register(desc model.HashIndexDescriptor, populated bool) *Index {
	ix := New(desc, populated)
	m.mu.Lock()
	m.indexes[indexKey(desc.DefiningClass, desc.Name)] = ix
	m.mu.Unlock()
	return ix
}

// Unregister drops an index (spec §4.9: remove hash index).
func (m *Manager) Unregister(className, idxName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes, indexKey(className, idxName))
}

// Get looks up an index by its defining class and name.
func (m *Manager) Get(className, idxName string) (*Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indexes[indexKey(className, idxName)]
	return ix, ok
}

// All returns every registered index, in no particular order. Used by
// snapshotting to dump every index's state.
func (m *Manager) All() []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Index, 0, len(m.indexes))
	for _, ix := range m.indexes {
		out = append(out, ix)
	}
	return out
}

// ForClass returns every index declared directly on className.
func (m *Manager) ForClass(className string) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Index
	for _, ix := range m.indexes {
		if ix.Desc.DefiningClass == className {
			out = append(out, ix)
		}
	}
	return out
}
