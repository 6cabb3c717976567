// Package store implements the record store (spec §4.1): typed, versioned
// record storage per class, with MVCC version chains and class scans.
//
// Grounded on internal/storage/mvcc.go's RowVersion/MVCCTable: a version
// chain per id linked through a Prev pointer, with an owning-transaction
// marker for an uncommitted head, generalized from untyped SQL row tuples
// ([]any) to class records carrying both scalar property values and
// ordered reference-id arrays (spec §3).
package store

import (
	"sync"
	"sync/atomic"

	"github.com/veloxdb/velox/internal/model"
	"github.com/veloxdb/velox/internal/veloxerr"
)

// maxObjectID is the 63-bit boundary spec §4.1 calls the IdExhaustion
// threshold. Object ids are unsigned but reserve the top bit so that the
// disjoint high-id space used for transaction ids (spec §4.5) never
// collides with a live object id.
const maxObjectID = uint64(1) << 63

// TxnView is the minimal read context the store needs from a transaction:
// its read snapshot and its own id, so it can apply read-own-writes
// (spec §4.5).
type TxnView struct {
	TxnID       uint64
	ReadVersion uint64
}

// RefOp identifies a structural reference-array edit (spec §4.1).
type RefOp uint8

const (
	RefInsert RefOp = iota
	RefRemoveAt
	RefReplace
	RefSetAll
)

// RefEdit is one structural edit to a reference-array field. The
// changeset encodes edits, not post-image arrays, to keep log volume
// proportional to edit size.
type RefEdit struct {
	Name   string
	Op     RefOp
	Index  int      // meaningful for Insert/RemoveAt/Replace
	Values []uint64 // single value for Insert/Replace, or payload for SetAll
}

// versionNode is one link in a record's MVCC chain.
type versionNode struct {
	commitVersion uint64 // 0 while uncommitted
	ownerTxn      uint64 // valid only while commitVersion == 0
	tombstone     bool
	values        map[string]any
	refs          map[string][]uint64
	prev          *versionNode
}

// classContainer holds every record of one non-abstract class.
type classContainer struct {
	desc *model.ClassDescriptor

	mu     sync.RWMutex
	chains map[uint64]*versionNode
	order  []uint64 // insertion order, for restartable scans
}

func newClassContainer(desc *model.ClassDescriptor) *classContainer {
	return &classContainer{desc: desc, chains: make(map[uint64]*versionNode)}
}

// Store owns every class container and the global object-id generator.
type Store struct {
	mu       sync.RWMutex
	classes  map[string]*classContainer
	nextID   atomic.Uint64
	pendingM sync.Mutex
	pending  map[uint64]map[pendingKey]struct{} // txnID -> touched (class,id)
}

type pendingKey struct {
	class string
	id    uint64
}

// New returns an empty Store. Object ids start at 1.
func New() *Store {
	s := &Store{
		classes: make(map[string]*classContainer),
		pending: make(map[uint64]map[pendingKey]struct{}),
	}
	s.nextID.Store(1)
	return s
}

// EnsureClass registers (or re-registers after a schema promotion) the
// container for a non-abstract class. Abstract classes never get a
// container (spec §9).
func (s *Store) EnsureClass(desc *model.ClassDescriptor) {
	if desc.Abstract {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classes[desc.Name]; !ok {
		s.classes[desc.Name] = newClassContainer(desc)
	} else {
		s.classes[desc.Name].desc = desc
	}
}

// ReserveCapacity is a bulk-load hint; it pre-sizes the internal maps so a
// known-size import doesn't pay repeated rehashing.
func (s *Store) ReserveCapacity(class string, n int) {
	cc := s.container(class)
	if cc == nil {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cap(cc.order) < len(cc.order)+n {
		grown := make([]uint64, len(cc.order), len(cc.order)+n)
		copy(grown, cc.order)
		cc.order = grown
	}
}

func (s *Store) container(class string) *classContainer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.classes[class]
}

func (s *Store) nextObjectID() (uint64, error) {
	id := s.nextID.Add(1) - 1
	if id >= maxObjectID {
		return 0, veloxerr.New(veloxerr.KindFatal, "object id space exhausted at 63-bit boundary")
	}
	return id, nil
}

func (s *Store) markPending(txnID uint64, class string, id uint64) {
	s.pendingM.Lock()
	defer s.pendingM.Unlock()
	set, ok := s.pending[txnID]
	if !ok {
		set = make(map[pendingKey]struct{})
		s.pending[txnID] = set
	}
	set[pendingKey{class, id}] = struct{}{}
}

// RecordView is a read-only snapshot of one record version.
type RecordView struct {
	ClassName     string
	ID            uint64
	CommitVersion uint64
	Values        map[string]any
	Refs          map[string][]uint64
}

func cloneValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRefs(m map[string][]uint64) map[string][]uint64 {
	out := make(map[string][]uint64, len(m))
	for k, v := range m {
		cp := make([]uint64, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func (v *versionNode) toView(class string, id uint64) *RecordView {
	return &RecordView{
		ClassName:     class,
		ID:            id,
		CommitVersion: v.commitVersion,
		Values:        cloneValues(v.values),
		Refs:          cloneRefs(v.refs),
	}
}

// visible walks a version chain starting at head looking for the version
// visible to view, implementing spec §4.1's visibility rule and §4.5's
// read-own-writes (a transaction always sees its own pending head as if
// already committed).
func visible(head *versionNode, view TxnView) *versionNode {
	for node := head; node != nil; node = node.prev {
		if node.commitVersion == 0 {
			if node.ownerTxn == view.TxnID {
				return node
			}
			continue // another transaction's uncommitted head: invisible
		}
		if node.commitVersion <= view.ReadVersion {
			return node
		}
	}
	return nil
}

// Create inserts a new record of class and returns its id.
func (s *Store) Create(view TxnView, class string, values map[string]any, refs map[string][]uint64) (uint64, error) {
	cc := s.container(class)
	if cc == nil {
		return 0, veloxerr.Newf(veloxerr.KindSchemaIncompatible, "unknown class %q", class)
	}
	id, err := s.nextObjectID()
	if err != nil {
		return 0, err
	}
	node := &versionNode{ownerTxn: view.TxnID, values: cloneValues(values), refs: cloneRefs(refs)}

	cc.mu.Lock()
	cc.chains[id] = node
	cc.order = append(cc.order, id)
	cc.mu.Unlock()

	s.markPending(view.TxnID, class, id)
	return id, nil
}

// Read returns the version of id visible to view, or nil if not found
// (deleted, or never existed).
func (s *Store) Read(view TxnView, class string, id uint64) (*RecordView, error) {
	cc := s.container(class)
	if cc == nil {
		return nil, veloxerr.Newf(veloxerr.KindSchemaIncompatible, "unknown class %q", class)
	}
	cc.mu.RLock()
	head := cc.chains[id]
	cc.mu.RUnlock()
	if head == nil {
		return nil, nil
	}
	v := visible(head, view)
	if v == nil || v.tombstone {
		return nil, nil
	}
	return v.toView(class, id), nil
}

// Update applies field and reference-array mutations, chaining a new
// version onto the record. Returns TransactionConflict if another
// transaction's commit is already visible ahead of this one's write.
func (s *Store) Update(view TxnView, class string, id uint64, fieldMutations map[string]any, refEdits []RefEdit) error {
	cc := s.container(class)
	if cc == nil {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "unknown class %q", class)
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()

	head := cc.chains[id]
	if head == nil {
		return veloxerr.Newf(veloxerr.KindTransactionConflict, "record %d not found", id)
	}
	if err := checkWriteConflict(head, view); err != nil {
		return err
	}

	base := head
	if head.commitVersion == 0 && head.ownerTxn == view.TxnID {
		base = head // already own the uncommitted head: mutate in place logically
	}
	if base.tombstone {
		return veloxerr.Newf(veloxerr.KindTransactionConflict, "record %d not found", id)
	}

	var newVals map[string]any
	var newRefs map[string][]uint64
	if head.commitVersion == 0 && head.ownerTxn == view.TxnID {
		// Second write within the same transaction: mutate the existing
		// uncommitted head rather than growing the chain further.
		newVals = head.values
		newRefs = head.refs
	} else {
		newVals = cloneValues(base.values)
		newRefs = cloneRefs(base.refs)
	}
	for k, v := range fieldMutations {
		newVals[k] = v
	}
	for _, edit := range refEdits {
		applyRefEdit(newRefs, edit)
	}

	if head.commitVersion == 0 && head.ownerTxn == view.TxnID {
		head.values = newVals
		head.refs = newRefs
	} else {
		node := &versionNode{ownerTxn: view.TxnID, values: newVals, refs: newRefs, prev: head}
		cc.chains[id] = node
	}

	s.markPending(view.TxnID, class, id)
	return nil
}

func applyRefEdit(refs map[string][]uint64, edit RefEdit) {
	arr := refs[edit.Name]
	switch edit.Op {
	case RefSetAll:
		arr = append([]uint64(nil), edit.Values...)
	case RefInsert:
		v := uint64(0)
		if len(edit.Values) > 0 {
			v = edit.Values[0]
		}
		idx := edit.Index
		if idx < 0 || idx > len(arr) {
			idx = len(arr)
		}
		arr = append(arr, 0)
		copy(arr[idx+1:], arr[idx:])
		arr[idx] = v
	case RefRemoveAt:
		if edit.Index >= 0 && edit.Index < len(arr) {
			arr = append(arr[:edit.Index], arr[edit.Index+1:]...)
		}
	case RefReplace:
		if edit.Index >= 0 && edit.Index < len(arr) && len(edit.Values) > 0 {
			arr[edit.Index] = edit.Values[0]
		}
	}
	refs[edit.Name] = arr
}

// Delete tombstones a record by chaining a deleted version onto it.
func (s *Store) Delete(view TxnView, class string, id uint64) error {
	cc := s.container(class)
	if cc == nil {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "unknown class %q", class)
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()

	head := cc.chains[id]
	if head == nil {
		return veloxerr.Newf(veloxerr.KindTransactionConflict, "record %d not found", id)
	}
	if err := checkWriteConflict(head, view); err != nil {
		return err
	}
	if head.tombstone {
		return veloxerr.Newf(veloxerr.KindTransactionConflict, "record %d not found", id)
	}

	if head.commitVersion == 0 && head.ownerTxn == view.TxnID {
		head.tombstone = true
	} else {
		node := &versionNode{ownerTxn: view.TxnID, tombstone: true, prev: head}
		cc.chains[id] = node
	}
	s.markPending(view.TxnID, class, id)
	return nil
}

// checkWriteConflict implements spec §4.1: a writer observing a chain
// whose head belongs to a different, still-uncommitted transaction, or
// whose head committed after this transaction's read version, fails with
// TransactionConflict.
func checkWriteConflict(head *versionNode, view TxnView) error {
	if head.commitVersion == 0 {
		if head.ownerTxn != view.TxnID {
			return veloxerr.New(veloxerr.KindTransactionConflict, "concurrent uncommitted writer")
		}
		return nil
	}
	if head.commitVersion > view.ReadVersion {
		return veloxerr.New(veloxerr.KindTransactionConflict, "write-write conflict: newer committed version exists")
	}
	return nil
}

// Commit finalizes every version this transaction touched at commitVersion.
func (s *Store) Commit(txnID, commitVersion uint64) {
	s.pendingM.Lock()
	touched := s.pending[txnID]
	delete(s.pending, txnID)
	s.pendingM.Unlock()

	for key := range touched {
		cc := s.container(key.class)
		if cc == nil {
			continue
		}
		cc.mu.Lock()
		if node := cc.chains[key.id]; node != nil && node.commitVersion == 0 && node.ownerTxn == txnID {
			node.commitVersion = commitVersion
			node.ownerTxn = 0
		}
		cc.mu.Unlock()
	}
}

// Abort undoes every uncommitted version this transaction staged,
// restoring each chain to its previous committed head.
func (s *Store) Abort(txnID uint64) {
	s.pendingM.Lock()
	touched := s.pending[txnID]
	delete(s.pending, txnID)
	s.pendingM.Unlock()

	for key := range touched {
		cc := s.container(key.class)
		if cc == nil {
			continue
		}
		cc.mu.Lock()
		if node := cc.chains[key.id]; node != nil && node.commitVersion == 0 && node.ownerTxn == txnID {
			if node.prev == nil {
				delete(cc.chains, key.id)
			} else {
				cc.chains[key.id] = node.prev
			}
		}
		cc.mu.Unlock()
	}
}

// ClassRecordIDs returns every object id ever created in class, in
// creation order, including ids whose current head is a tombstone. Used
// by snapshotting and recovery to enumerate a class without a live
// transaction view.
func (s *Store) ClassRecordIDs(class string) []uint64 {
	cc := s.container(class)
	if cc == nil {
		return nil
	}
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	out := make([]uint64, len(cc.order))
	copy(out, cc.order)
	return out
}

// ReadAsOf is Read without a live transaction: it reconstructs the
// version visible at commitVersion, the way a snapshot dump or recovery
// replay needs to read state without owning a txn id.
func (s *Store) ReadAsOf(class string, id uint64, commitVersion uint64) (*RecordView, error) {
	return s.Read(TxnView{ReadVersion: commitVersion}, class, id)
}

// RestoreRecord directly installs an already-committed version, bypassing
// MVCC conflict checks entirely. It is used only to rematerialize state
// that was already durable: snapshot restore and WAL replay of Create
// ops, where the original object id must be preserved rather than
// reassigned by nextObjectID. It also advances the id generator so later
// live Creates never collide with a restored id.
func (s *Store) RestoreRecord(class string, id uint64, commitVersion uint64, values map[string]any, refs map[string][]uint64) error {
	cc := s.container(class)
	if cc == nil {
		return errUnknownClass(class)
	}
	node := &versionNode{commitVersion: commitVersion, values: cloneValues(values), refs: cloneRefs(refs)}

	cc.mu.Lock()
	if _, exists := cc.chains[id]; !exists {
		cc.order = append(cc.order, id)
	}
	cc.chains[id] = node
	cc.mu.Unlock()

	for {
		cur := s.nextID.Load()
		if id < cur {
			break
		}
		if s.nextID.CompareAndSwap(cur, id+1) {
			break
		}
	}
	return nil
}

// ReplayUpdate and ReplayDelete apply an already-validated Update/Delete
// from a WAL frame or a replicated changeset directly at commitVersion,
// without MVCC conflict checks (the op already passed them once, on the
// node that originally committed it).
func (s *Store) ReplayUpdate(class string, id uint64, commitVersion uint64, fieldMutations map[string]any, refEdits []RefEdit) error {
	cc := s.container(class)
	if cc == nil {
		return errUnknownClass(class)
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()

	head := cc.chains[id]
	if head == nil {
		return veloxerr.Newf(veloxerr.KindChangesetCorrupted, "replayed update for unknown record %d", id)
	}
	newVals := cloneValues(head.values)
	newRefs := cloneRefs(head.refs)
	for k, v := range fieldMutations {
		newVals[k] = v
	}
	for _, edit := range refEdits {
		applyRefEdit(newRefs, edit)
	}
	cc.chains[id] = &versionNode{commitVersion: commitVersion, values: newVals, refs: newRefs, prev: head}
	return nil
}

// ReplayDelete is a no-op for an id this replica never materialized:
// alignment may ship synthetic deletes for records whose creating frame
// was truncated away before this node ever saw it (spec §4.10), and a
// delete is idempotent under replay.
func (s *Store) ReplayDelete(class string, id uint64, commitVersion uint64) error {
	cc := s.container(class)
	if cc == nil {
		return errUnknownClass(class)
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()

	head := cc.chains[id]
	if head == nil {
		return nil
	}
	cc.chains[id] = &versionNode{commitVersion: commitVersion, tombstone: true, prev: head}
	return nil
}

// Tombstone identifies one deleted record and the commit version that
// deleted it.
type Tombstone struct {
	ID            uint64
	CommitVersion uint64
}

// TombstonesSince returns every record of class whose current head is a
// committed tombstone newer than after. The replicator uses this to
// synthesize alignment deletes for a standby that missed the original
// delete frames (spec §4.10).
func (s *Store) TombstonesSince(class string, after uint64) []Tombstone {
	cc := s.container(class)
	if cc == nil {
		return nil
	}
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	var out []Tombstone
	for _, id := range cc.order {
		head := cc.chains[id]
		if head != nil && head.tombstone && head.commitVersion != 0 && head.commitVersion > after {
			out = append(out, Tombstone{ID: id, CommitVersion: head.commitVersion})
		}
	}
	return out
}

// TruncateAbove drops every record version committed after v, and every
// uncommitted head, restoring each chain to its newest version at or
// below v (spec §4.6 rewind). Callers must have aborted all active
// transactions first. Object ids are never recycled, so the id generator
// is left where it is even when the truncation removes the record that
// claimed the highest id.
func (s *Store) TruncateAbove(v uint64) {
	s.mu.RLock()
	containers := make([]*classContainer, 0, len(s.classes))
	for _, cc := range s.classes {
		containers = append(containers, cc)
	}
	s.mu.RUnlock()

	for _, cc := range containers {
		cc.mu.Lock()
		for id, head := range cc.chains {
			node := head
			for node != nil && (node.commitVersion == 0 || node.commitVersion > v) {
				node = node.prev
			}
			if node == nil {
				delete(cc.chains, id)
			} else if node != head {
				cc.chains[id] = node
			}
		}
		cc.mu.Unlock()
	}
}

// Touched reports every (class, id) pair a transaction has staged a
// mutation for, used by the commit path to run integrity checks before
// assigning a commit version.
func (s *Store) Touched(txnID uint64) []struct {
	Class string
	ID    uint64
} {
	s.pendingM.Lock()
	defer s.pendingM.Unlock()
	set := s.pending[txnID]
	out := make([]struct {
		Class string
		ID    uint64
	}, 0, len(set))
	for key := range set {
		out = append(out, struct {
			Class string
			ID    uint64
		}{key.class, key.id})
	}
	return out
}
