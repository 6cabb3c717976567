// Package txn implements the transaction state machine of spec §4.5:
// Active -> (Committing | Aborting) -> Completed, composing internal/lock
// for fail-fast conflict detection, internal/store for MVCC record
// access, and internal/version for commit-version assignment and
// publication.
//
// Grounded on internal/storage/concurrency.go's transaction/session
// bookkeeping (a per-session handle tracking held resources and a
// terminal-state transition), adapted from SQL statement execution to
// the spec's Create/Read/Update/Delete operations plus changeset
// construction.
package txn

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/veloxdb/velox/internal/changeset"
	"github.com/veloxdb/velox/internal/lock"
	"github.com/veloxdb/velox/internal/model"
	"github.com/veloxdb/velox/internal/store"
	"github.com/veloxdb/velox/internal/veloxerr"
	"github.com/veloxdb/velox/internal/version"
)

// txnIDBase anchors the reserved high-id space for transaction ids,
// disjoint from commit versions (spec §4.5). It starts at the 63-bit
// object-id boundary (internal/store.maxObjectID), so transaction ids and
// object ids never overlap and a stray comparison between the two spaces
// can never alias.
const txnIDBase = uint64(1) << 63

// State is a transaction's position in the spec §4.5 state machine.
type State int32

const (
	Active State = iota
	Committing
	Aborting
	Completed
)

func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Committing:
		return "Committing"
	case Aborting:
		return "Aborting"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// Validator runs deferred integrity checks before a commit is allowed to
// proceed (spec §4.5: "validates referential integrity and index
// uniqueness"). internal/engine wires internal/invref and internal/index
// in through this hook; internal/txn itself knows nothing about either.
type Validator func(*Txn) error

// Persister durably records a changeset before its commit version is
// published (spec §4.8). internal/engine wires internal/wal in through
// this hook. A nil Persister means commits are published immediately,
// useful for tests that don't exercise durability.
type Persister func(changeset.Set) error

// Manager is the shared entry point for beginning transactions against
// one database. It owns no state of its own beyond the id generator and
// the pluggable hooks; the store, lock manager, and version manager are
// independently shared collaborators.
type Manager struct {
	store    *store.Store
	locks    *lock.Manager
	versions *version.Manager

	nextID atomic.Uint64

	mdl atomic.Pointer[model.Model]

	hooksMu  sync.RWMutex
	validate Validator
	persist  Persister
}

// NewManager returns a Manager over the given collaborators, starting
// from the given model.
func NewManager(st *store.Store, lm *lock.Manager, vm *version.Manager, mdl *model.Model) *Manager {
	m := &Manager{store: st, locks: lm, versions: vm}
	m.nextID.Store(txnIDBase)
	m.mdl.Store(mdl)
	return m
}

// SetModel atomically swaps the schema a Manager resolves class names
// against (spec §4.9 step 5: "swap descriptor tables atomically").
func (m *Manager) SetModel(mdl *model.Model) { m.mdl.Store(mdl) }

// CurrentModel returns the model currently in effect.
func (m *Manager) CurrentModel() *model.Model { return m.mdl.Load() }

// SetValidator installs the pre-commit integrity hook.
func (m *Manager) SetValidator(v Validator) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.validate = v
}

// SetPersister installs the WAL durability hook.
func (m *Manager) SetPersister(p Persister) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.persist = p
}

func (m *Manager) hooks() (Validator, Persister) {
	m.hooksMu.RLock()
	defer m.hooksMu.RUnlock()
	return m.validate, m.persist
}

// Txn is one in-flight (or just-completed) transaction handle.
type Txn struct {
	id      uint64
	mgr     *Manager
	view    store.TxnView
	session *lock.Session
	ctx     context.Context
	cancel  context.CancelFunc

	state atomic.Int32

	mu  sync.Mutex
	ops []changeset.Op
}

// Begin starts a new transaction, sampling the current visible version
// once (spec §4.6). If ctx carries a deadline, the transaction is
// automatically moved to Aborting when it expires (spec §5:
// "Cancellation and timeout").
func (m *Manager) Begin(ctx context.Context) *Txn {
	id := m.nextID.Add(1) - 1
	readVersion := m.versions.BeginRead(id)

	txCtx, cancel := context.WithCancel(ctx)
	t := &Txn{
		id:      id,
		mgr:     m,
		view:    store.TxnView{TxnID: id, ReadVersion: readVersion},
		session: m.locks.NewSession(id),
		ctx:     txCtx,
		cancel:  cancel,
	}

	go t.watchDeadline()
	return t
}

func (t *Txn) watchDeadline() {
	<-t.ctx.Done()
	if t.state.CompareAndSwap(int32(Active), int32(Aborting)) {
		t.finishAbort()
	}
}

// ID returns the transaction's id, in the reserved high-id space.
func (t *Txn) ID() uint64 { return t.id }

// ReadVersion returns the version sampled at Begin.
func (t *Txn) ReadVersion() uint64 { return t.view.ReadVersion }

// State returns the transaction's current state.
func (t *Txn) State() State { return State(t.state.Load()) }

func (t *Txn) classID(className string) (uint16, error) {
	mdl := t.mgr.CurrentModel()
	c, ok := mdl.Class(className)
	if !ok {
		return 0, veloxerr.Newf(veloxerr.KindSchemaIncompatible, "unknown class %q", className)
	}
	return c.ID, nil
}

func (t *Txn) checkActive() error {
	if t.State() != Active {
		return veloxerr.Newf(veloxerr.KindFatal, "transaction %d is not active (state=%s)", t.id, t.State())
	}
	if t.ctx.Err() != nil {
		return veloxerr.New(veloxerr.KindCanceled, "transaction deadline exceeded or canceled")
	}
	return nil
}

// checkReadable is checkActive's counterpart for Read: a Validator runs
// during the brief Active->Committing window (spec §4.5), after reads are
// normally refused, and deferred integrity/uniqueness checks need to read
// the transaction's own just-written state to validate it. Read is the
// only operation that tolerates Committing; Create/Update/Delete/Scan
// still require Active, since a transaction's write set is closed once
// commit validation has begun.
func (t *Txn) checkReadable() error {
	switch t.State() {
	case Active, Committing:
	default:
		return veloxerr.Newf(veloxerr.KindFatal, "transaction %d is not active (state=%s)", t.id, t.State())
	}
	if t.ctx.Err() != nil {
		return veloxerr.New(veloxerr.KindCanceled, "transaction deadline exceeded or canceled")
	}
	return nil
}

// ResetLockOrdering starts a fresh domain-ordering window on this
// transaction's lock session (see lock.Session.ResetOrdering). Exported so
// internal/engine, which interleaves hash-key lock acquisition (domain
// §4.4's DomainHashKey) around Create/Update/Delete calls to maintain the
// class < hash-key < object order, can begin each such phase cleanly.
func (t *Txn) ResetLockOrdering() { t.session.ResetOrdering() }

// LockHashKey takes a lock on a canonical hash-index key (spec §4.4:
// "Hash-key locks cover both lookup and uniqueness validation"). Exposed
// so internal/engine can gate staged index inserts/removes and lookups
// without internal/txn knowing anything about the index package.
func (t *Txn) LockHashKey(keyBytes string, mode lock.Mode) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	return t.session.AcquireHashKey(keyBytes, mode)
}

// createOpts holds Create's optional hooks.
type createOpts struct {
	afterID func(id uint64) error
}

// CreateOption customizes a single Create call.
type CreateOption func(*createOpts)

// WithIndexLock installs a hook run after the new record's id is assigned
// but before its object lock is acquired. This is the only point in
// Create's sequence where a hash-key lock can be interleaved between the
// class lock and the object lock in spec §4.4's required order, without
// Create itself knowing anything about hash indexes.
func WithIndexLock(f func(id uint64) error) CreateOption {
	return func(o *createOpts) { o.afterID = f }
}

// Create inserts a new record of class and returns its id (spec §4.1).
func (t *Txn) Create(class string, values map[string]any, refs map[string][]uint64, opts ...CreateOption) (uint64, error) {
	var o createOpts
	for _, opt := range opts {
		opt(&o)
	}
	if err := t.checkActive(); err != nil {
		return 0, err
	}
	classID, err := t.classID(class)
	if err != nil {
		return 0, err
	}
	t.session.ResetOrdering()
	if err := t.session.AcquireClass(class, lock.Shared); err != nil {
		return 0, err
	}

	id, err := t.mgr.store.Create(t.view, class, values, refs)
	if err != nil {
		return 0, err
	}
	if o.afterID != nil {
		if err := o.afterID(id); err != nil {
			return 0, err
		}
	}
	if err := t.session.AcquireObject(id, lock.Exclusive); err != nil {
		return 0, err
	}

	var edits []store.RefEdit
	for name, ids := range refs {
		edits = append(edits, store.RefEdit{Name: name, Op: store.RefSetAll, Values: ids})
	}
	t.recordOp(changeset.Op{Kind: changeset.OpCreate, ClassID: classID, ObjectID: id, Values: values, RefEdits: edits})
	return id, nil
}

// Read returns the version of id visible to this transaction's snapshot,
// applying read-own-writes (spec §4.5).
func (t *Txn) Read(class string, id uint64) (*store.RecordView, error) {
	if err := t.checkReadable(); err != nil {
		return nil, err
	}
	return t.mgr.store.Read(t.view, class, id)
}

// Update applies field and reference-array mutations to an existing
// record (spec §4.1).
func (t *Txn) Update(class string, id uint64, fieldMutations map[string]any, refEdits []store.RefEdit) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	classID, err := t.classID(class)
	if err != nil {
		return err
	}
	t.session.ResetOrdering()
	if err := t.session.AcquireObject(id, lock.Exclusive); err != nil {
		return err
	}
	if err := t.mgr.store.Update(t.view, class, id, fieldMutations, refEdits); err != nil {
		return err
	}
	t.recordOp(changeset.Op{Kind: changeset.OpUpdate, ClassID: classID, ObjectID: id, Values: fieldMutations, RefEdits: refEdits})
	return nil
}

// Delete tombstones a record (spec §4.1).
func (t *Txn) Delete(class string, id uint64) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	classID, err := t.classID(class)
	if err != nil {
		return err
	}
	t.session.ResetOrdering()
	if err := t.session.AcquireObject(id, lock.Exclusive); err != nil {
		return err
	}
	if err := t.mgr.store.Delete(t.view, class, id); err != nil {
		return err
	}
	t.recordOp(changeset.Op{Kind: changeset.OpDelete, ClassID: classID, ObjectID: id})
	return nil
}

// Scan opens a restartable iterator over class, visible to this
// transaction (spec §4.1, §5: "cooperative yielding in long scans").
func (t *Txn) Scan(class string, filter store.Filter) (*store.ScanIterator, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	t.session.ResetOrdering()
	if err := t.session.AcquireClass(class, lock.Shared); err != nil {
		return nil, err
	}
	return t.mgr.store.Scan(t.view, class, filter)
}

func (t *Txn) recordOp(op changeset.Op) {
	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.mu.Unlock()
}

// Commit validates integrity, assigns a commit version under the commit
// fence, durably persists the changeset, and publishes the new version
// (spec §4.5, §4.6, §4.8). It returns the finalized changeset so the
// caller (internal/engine) can forward it to the replicator.
func (t *Txn) Commit() (changeset.Set, error) {
	if err := t.checkActive(); err != nil {
		return changeset.Set{}, err
	}
	if !t.state.CompareAndSwap(int32(Active), int32(Committing)) {
		return changeset.Set{}, veloxerr.Newf(veloxerr.KindFatal, "transaction %d is not active", t.id)
	}

	validate, persist := t.mgr.hooks()
	if validate != nil {
		if err := validate(t); err != nil {
			t.state.Store(int32(Aborting))
			t.finishAbort()
			return changeset.Set{}, err
		}
	}

	t.mu.Lock()
	ops := append([]changeset.Op(nil), t.ops...)
	t.mu.Unlock()

	cv := t.mgr.versions.AssignCommitVersion()
	cs := changeset.Set{CommitVersion: cv, Ops: ops}

	if persist != nil {
		if err := persist(cs); err != nil {
			// The assigned version becomes a hole in the publication order;
			// Abandon keeps later committers from waiting on it forever.
			t.mgr.versions.Abandon(cv)
			t.state.Store(int32(Aborting))
			t.finishAbort()
			return changeset.Set{}, veloxerr.Wrap(veloxerr.KindUnavailable, "commit durability failed", err)
		}
	}

	t.mgr.store.Commit(t.id, cv)
	t.mgr.versions.Publish(cv)
	t.session.Release()
	t.mgr.versions.EndRead(t.id)
	t.cancel()
	t.state.Store(int32(Completed))
	return cs, nil
}

// Abort explicitly rolls back the transaction (spec §4.5: "explicit
// rollback, conflict, integrity failure, or timeout").
func (t *Txn) Abort() {
	if !t.state.CompareAndSwap(int32(Active), int32(Aborting)) {
		return
	}
	t.finishAbort()
}

func (t *Txn) finishAbort() {
	t.mgr.store.Abort(t.id)
	t.session.Release()
	t.mgr.versions.EndRead(t.id)
	t.cancel()
	t.state.Store(int32(Completed))
}
