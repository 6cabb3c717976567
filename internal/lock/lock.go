// Package lock implements the three lock domains of spec §4.4: per-record
// object locks, per-class locks, and per-hash-key locks. All acquisition is
// non-blocking: a conflicting request fails immediately with
// TransactionConflict instead of waiting, so no wait-for graph is ever
// built and no deadlock-detection pass is needed — optimistic retry is the
// caller's responsibility.
//
// Grounded on internal/storage/concurrency.go's guarded-resource style
// (channels/semaphores protecting shared state), adapted from a bounded
// worker pool to a non-blocking per-resource mutex map, because spec §4.4
// requires immediate failure rather than queuing.
package lock

import (
	"sort"
	"sync"

	"github.com/veloxdb/velox/internal/veloxerr"
)

// Mode is the lock mode: Shared for readers, Exclusive for writers.
type Mode uint8

const (
	Shared Mode = iota
	Exclusive
)

// Domain identifies which of the three lock domains a resource belongs
// to. The declared ordering (Class < HashKey < Object) is spec §4.4's
// cross-domain lock ordering.
type Domain uint8

const (
	DomainClass Domain = iota
	DomainHashKey
	DomainObject
)

type resourceKey struct {
	domain Domain
	key    string
}

type resourceState struct {
	mu     sync.Mutex
	shared map[uint64]struct{}
	excl   uint64 // txn id holding the exclusive lock, 0 if none
}

// Manager owns every resource's lock state across all three domains.
type Manager struct {
	mu        sync.Mutex
	resources map[resourceKey]*resourceState
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{resources: make(map[resourceKey]*resourceState)}
}

func (m *Manager) state(key resourceKey) *resourceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.resources[key]
	if !ok {
		st = &resourceState{shared: make(map[uint64]struct{})}
		m.resources[key] = st
	}
	return st
}

func (st *resourceState) tryAcquire(txnID uint64, mode Mode) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.excl != 0 && st.excl != txnID {
		return false
	}
	if mode == Shared {
		if st.excl == txnID {
			return true
		}
		st.shared[txnID] = struct{}{}
		return true
	}
	// Exclusive: no other transaction may hold it shared.
	for other := range st.shared {
		if other != txnID {
			return false
		}
	}
	st.excl = txnID
	return true
}

func (st *resourceState) release(txnID uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.shared, txnID)
	if st.excl == txnID {
		st.excl = 0
	}
}

func (st *resourceState) hasExclusiveOtherThan(txnID uint64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.excl != 0 && st.excl != txnID
}

// Session tracks one transaction's held locks so they can be released, in
// reverse acquisition order, on its terminal transition (spec §4.4/§4.5).
type Session struct {
	mgr      *Manager
	txnID    uint64
	mu       sync.Mutex
	held     []resourceKey
	maxSeen  Domain
	anyTaken bool
}

// NewSession starts a lock-tracking session for one transaction.
func (m *Manager) NewSession(txnID uint64) *Session {
	return &Session{mgr: m, txnID: txnID}
}

func (s *Session) checkDomainOrder(d Domain) error {
	if s.anyTaken && d < s.maxSeen {
		return veloxerr.Newf(veloxerr.KindFatal, "lock ordering violation: domain %d acquired after %d", d, s.maxSeen)
	}
	return nil
}

// ResetOrdering starts a fresh domain-ordering window: the next Acquire*
// call is treated as the first of a new logical operation rather than a
// continuation of everything this session has acquired so far. Locks
// already held are untouched; only the monotonic class/hash-key/object
// tracking used by checkDomainOrder is cleared. internal/txn calls this at
// the start of each top-level operation so a transaction that performs
// several operations (e.g. two Creates) is checked for ordering within
// each operation, not cumulatively across the whole transaction lifetime.
func (s *Session) ResetOrdering() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anyTaken = false
	s.maxSeen = DomainClass
}

func (s *Session) record(key resourceKey) {
	s.held = append(s.held, key)
	s.anyTaken = true
	if key.domain > s.maxSeen {
		s.maxSeen = key.domain
	}
}

// AcquireClass takes a shared or exclusive lock on a class (spec §4.4:
// scans take shared, schema changes take exclusive).
func (s *Session) AcquireClass(className string, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDomainOrder(DomainClass); err != nil {
		return err
	}
	key := resourceKey{DomainClass, className}
	if !s.mgr.state(key).tryAcquire(s.txnID, mode) {
		return veloxerr.Newf(veloxerr.KindTransactionConflict, "class lock conflict on %q", className)
	}
	s.record(key)
	return nil
}

// AcquireHashKey takes a lock on a canonical hash-key byte encoding.
// Readers that will rely on "no such key exists" take Shared; inserters
// take Exclusive on the key they are inserting (spec §4.4).
func (s *Session) AcquireHashKey(keyBytes string, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDomainOrder(DomainHashKey); err != nil {
		return err
	}
	key := resourceKey{DomainHashKey, keyBytes}
	if !s.mgr.state(key).tryAcquire(s.txnID, mode) {
		return veloxerr.Newf(veloxerr.KindTransactionConflict, "hash-key lock conflict")
	}
	s.record(key)
	return nil
}

// AcquireObject takes a lock on a single object id.
func (s *Session) AcquireObject(id uint64, mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDomainOrder(DomainObject); err != nil {
		return err
	}
	key := resourceKey{DomainObject, objectKey(id)}
	if !s.mgr.state(key).tryAcquire(s.txnID, mode) {
		return veloxerr.Newf(veloxerr.KindTransactionConflict, "object lock conflict on id %d", id)
	}
	s.record(key)
	return nil
}

// AcquireObjects locks a batch of object ids in ascending id order (spec
// §4.4: "locks are acquired in id order"), rolling back any partial
// acquisition from this call if one of the ids conflicts.
func (s *Session) AcquireObjects(ids []uint64, mode Mode) error {
	sorted := append([]uint64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	acquired := make([]uint64, 0, len(sorted))
	for _, id := range sorted {
		if err := s.AcquireObject(id, mode); err != nil {
			for _, done := range acquired {
				s.mgr.state(resourceKey{DomainObject, objectKey(done)}).release(s.txnID)
			}
			return err
		}
		acquired = append(acquired, id)
	}
	return nil
}

// IsClassExclusivelyHeldByOther reports whether another transaction holds
// an exclusive class lock (used by schema updates to know whether to wait
// for a drain rather than fail).
func (m *Manager) IsClassExclusivelyHeldByOther(className string, txnID uint64) bool {
	return m.state(resourceKey{DomainClass, className}).hasExclusiveOtherThan(txnID)
}

// Release drops every lock held by this session, in reverse acquisition
// order (spec §4.4).
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.held) - 1; i >= 0; i-- {
		key := s.held[i]
		s.mgr.state(key).release(s.txnID)
	}
	s.held = nil
}

func objectKey(id uint64) string {
	// Fixed-width decimal keeps distinct ids from colliding as strings.
	const digits = "0123456789"
	buf := [20]byte{}
	i := len(buf)
	if id == 0 {
		i--
		buf[i] = '0'
	}
	for id > 0 {
		i--
		buf[i] = digits[id%10]
		id /= 10
	}
	return string(buf[i:])
}
