package engine

import (
	"context"

	"github.com/veloxdb/velox/internal/index"
	"github.com/veloxdb/velox/internal/invref"
	"github.com/veloxdb/velox/internal/lock"
	"github.com/veloxdb/velox/internal/model"
	"github.com/veloxdb/velox/internal/store"
	"github.com/veloxdb/velox/internal/txn"
	"github.com/veloxdb/velox/internal/veloxerr"
)

// indexOpKind distinguishes a staged hash-index write from a staged
// removal; see pendingIndexOp.
type indexOpKind uint8

const (
	indexOpInsert indexOpKind = iota
	indexOpRemove
)

// pendingIndexOp is one hash-index write staged by this transaction but
// not yet replayed into the shared index. Staging instead of mutating the
// index immediately is what makes uniqueness validation a commit-time
// check (spec §4.2: "Uniqueness constraint is validated at commit by
// rechecking inserted/updated keys") rather than a write-time one: a
// second, still-uncommitted transaction never observes this transaction's
// uncommitted insert in the shared index. A concurrent inserter of the
// same key is still turned away at write time, by the hash-key lock that
// stageIndexInserts takes.
type pendingIndexOp struct {
	idx  *index.Index
	key  string
	id   uint64
	kind indexOpKind
}

// Txn is the caller-facing transaction handle: it wraps internal/txn.Txn
// with the cross-cutting concerns internal/txn deliberately knows nothing
// about — hash-index maintenance, inverse-reference bookkeeping and
// cascade-delete planning, and GC/replication hand-off on commit.
type Txn struct {
	db       *DB
	inner    *txn.Txn
	readOnly bool

	undo []func()

	pendingIdx []pendingIndexOp
	refChecks  []func() error

	// deleting marks targets whose cascade is already being executed, so
	// a cycle of cascade edges (tracked or untracked) deletes each record
	// at most once per transaction.
	deleting map[delTarget]struct{}
}

type delTarget struct {
	class string
	id    uint64
}

// Begin starts a transaction against db. readOnly transactions never call
// Create/Update/Delete; a write attempt on one fails with
// TransactionNotAllowed (spec §4.1). Admission is checked against the
// replicator's current role (spec §4.10).
func (db *DB) Begin(ctx context.Context, readOnly bool) (*Txn, error) {
	if err := db.checkAdmission(readOnly); err != nil {
		return nil, err
	}
	t := &Txn{db: db, inner: db.txns.Begin(ctx), readOnly: readOnly}
	db.txnRegistry.Store(t.inner.ID(), t)
	return t, nil
}

func (t *Txn) classDesc(class string) (*model.ClassDescriptor, error) {
	c, ok := t.db.Model().Class(class)
	if !ok {
		return nil, veloxerr.Newf(veloxerr.KindSchemaIncompatible, "unknown class %q", class)
	}
	return c, nil
}

// applicableIndexes collects every hash index declared on class or any of
// its ancestors (spec §4.2: an index "applies to that class and all
// descendants").
func applicableIndexes(mdl *model.Model, className string) []model.HashIndexDescriptor {
	var out []model.HashIndexDescriptor
	for className != "" {
		c, ok := mdl.Class(className)
		if !ok {
			break
		}
		out = append(out, c.Indexes...)
		className = c.BaseClass
	}
	return out
}

// indexKeyValues extracts, in declared order, the property or
// single-reference values a hash index is defined over. ok is false if
// any component is absent (null keys are simply not indexed, the way a
// SQL unique index treats NULL).
func indexKeyValues(idx model.HashIndexDescriptor, values map[string]any, refs map[string][]uint64) ([]any, bool) {
	out := make([]any, 0, len(idx.Properties))
	for _, name := range idx.Properties {
		if v, ok := values[name]; ok {
			out = append(out, v)
			continue
		}
		if arr, ok := refs[name]; ok && len(arr) > 0 {
			out = append(out, arr[0])
			continue
		}
		return nil, false
	}
	return out, true
}

// stageIndexInserts locks and stages a just-written record's hash-index
// entries. The hash-key lock (spec §4.4) is taken now, at write time, so a
// concurrent inserter of the same key fails fast; the index mutation
// itself — including the uniqueness recheck — is deferred to validate(),
// which runs under the same lock at the Committing transition (spec
// §4.2, §4.5).
func (t *Txn) stageIndexInserts(classDesc *model.ClassDescriptor, id uint64, values map[string]any, refs map[string][]uint64) error {
	for _, idxDesc := range applicableIndexes(t.db.Model(), classDesc.Name) {
		ix, ok := t.db.indexes.Get(idxDesc.DefiningClass, idxDesc.Name)
		if !ok {
			ix = t.db.indexes.Register(idxDesc, false)
		}
		keyVals, ok := indexKeyValues(idxDesc, values, refs)
		if !ok {
			continue
		}
		key, err := index.EncodeKey(keyVals)
		if err != nil {
			return err
		}
		if err := t.inner.LockHashKey(key, lock.Exclusive); err != nil {
			return err
		}
		t.pendingIdx = append(t.pendingIdx, pendingIndexOp{idx: ix, key: key, id: id, kind: indexOpInsert})
	}
	return nil
}

// stageIndexRemoves locks and stages the removal of a record's current
// hash-index entries (Update's old key, or Delete), under the same
// commit-time replay discipline as stageIndexInserts.
func (t *Txn) stageIndexRemoves(classDesc *model.ClassDescriptor, id uint64, values map[string]any, refs map[string][]uint64) error {
	for _, idxDesc := range applicableIndexes(t.db.Model(), classDesc.Name) {
		ix, ok := t.db.indexes.Get(idxDesc.DefiningClass, idxDesc.Name)
		if !ok {
			continue
		}
		keyVals, ok := indexKeyValues(idxDesc, values, refs)
		if !ok {
			continue
		}
		key, err := index.EncodeKey(keyVals)
		if err != nil {
			continue
		}
		if err := t.inner.LockHashKey(key, lock.Exclusive); err != nil {
			return err
		}
		t.pendingIdx = append(t.pendingIdx, pendingIndexOp{idx: ix, key: key, id: id, kind: indexOpRemove})
	}
	return nil
}

func (t *Txn) stageInverseEdges(classDesc *model.ClassDescriptor, id uint64, refs map[string][]uint64) {
	for _, r := range classDesc.References {
		if !r.Tracked {
			continue
		}
		for _, target := range refs[r.Name] {
			t.db.invrefs.AddEdge(target, classDesc.Name, id, r.Name)
			tgt, name, rname := target, classDesc.Name, r.Name
			t.undo = append(t.undo, func() { t.db.invrefs.RemoveEdge(tgt, name, id, rname) })
		}
	}
}

func (t *Txn) unstageInverseEdges(classDesc *model.ClassDescriptor, id uint64, refs map[string][]uint64) {
	for _, r := range classDesc.References {
		if !r.Tracked {
			continue
		}
		for _, target := range refs[r.Name] {
			t.db.invrefs.RemoveEdge(target, classDesc.Name, id, r.Name)
			tgt, name, rname := target, classDesc.Name, r.Name
			t.undo = append(t.undo, func() { t.db.invrefs.AddEdge(tgt, name, id, rname) })
		}
	}
}

// checkReferenceIntegrity validates spec §3's reference invariants for a
// just-written record: non-null references must point to a live record of
// a compatible class, and cardinality-1 references must be non-null.
// Liveness checks read through t.inner, which is why this can only run
// while the underlying transaction is Active or Committing.
func (t *Txn) checkReferenceIntegrity(classDesc *model.ClassDescriptor, refs map[string][]uint64) error {
	for _, r := range classDesc.References {
		values := refs[r.Name]
		if !r.Multi && len(values) == 0 {
			return veloxerr.Newf(veloxerr.KindReferentialIntegrityViolation,
				"reference %q on %q is cardinality-1 and must be non-null", r.Name, classDesc.Name)
		}
		for _, target := range values {
			rv, err := t.inner.Read(r.TargetClass, target)
			if err != nil {
				return err
			}
			if rv == nil {
				return veloxerr.Newf(veloxerr.KindReferentialIntegrityViolation,
					"reference %q on %q points to non-live record %d", r.Name, classDesc.Name, target).
					WithDetail(veloxerr.Detail{ClassName: r.TargetClass, ObjectID: target})
			}
		}
	}
	return nil
}

// deferRefCheck queues a reference-integrity check to run at the
// Committing transition instead of at write time (spec §4.5: "the engine
// validates referential integrity and index uniqueness" happens on the
// Active -> Committing edge, not eagerly inside Create/Update).
func (t *Txn) deferRefCheck(classDesc *model.ClassDescriptor, refs map[string][]uint64) {
	t.refChecks = append(t.refChecks, func() error {
		return t.checkReferenceIntegrity(classDesc, refs)
	})
}

// validate runs every check this transaction deferred to commit time: the
// reference-integrity checks queued by Create/Update, and the staged
// hash-index writes queued by stageIndexInserts/stageIndexRemoves. It is
// installed as internal/txn's Validator (spec §4.5) and so runs under the
// hash-key locks already acquired at write time, while the transaction's
// own state is still visible via read-own-writes (spec §4.2's "rechecking
// inserted/updated keys" happens here, not at Create/Update time).
func (t *Txn) validate() error {
	for _, check := range t.refChecks {
		if err := check(); err != nil {
			return err
		}
	}
	for _, op := range t.pendingIdx {
		switch op.kind {
		case indexOpInsert:
			if err := op.idx.Insert(op.key, op.id); err != nil {
				return err
			}
			k, id := op.key, op.id
			ix := op.idx
			t.undo = append(t.undo, func() { ix.Remove(k, id) })
		case indexOpRemove:
			op.idx.Remove(op.key, op.id)
			k, id, ix := op.key, op.id, op.idx
			t.undo = append(t.undo, func() { _ = ix.Insert(k, id) })
		}
	}
	return nil
}

// Create inserts a new record of class (spec §4.1), staging hash-index
// entries and inverse-reference edges alongside the underlying write.
// Index uniqueness and reference-integrity are validated at commit
// (spec §4.2, §4.5), not here.
func (t *Txn) Create(class string, values map[string]any, refs map[string][]uint64) (uint64, error) {
	if t.readOnly {
		return 0, veloxerr.New(veloxerr.KindTransactionNotAllowed, "write attempted on a read-only transaction")
	}
	classDesc, err := t.classDesc(class)
	if err != nil {
		return 0, err
	}
	t.deferRefCheck(classDesc, refs)

	id, err := t.inner.Create(class, values, refs, txn.WithIndexLock(func(id uint64) error {
		return t.stageIndexInserts(classDesc, id, values, refs)
	}))
	if err != nil {
		return 0, err
	}
	t.stageInverseEdges(classDesc, id, refs)
	return id, nil
}

// Read returns the version of id visible to this transaction.
func (t *Txn) Read(class string, id uint64) (*store.RecordView, error) {
	return t.inner.Read(class, id)
}

// Update applies field and reference-array mutations (spec §4.1),
// unstaging the record's current hash-index keys and restaging the
// post-mutation ones, plus inverse-reference edges for any reference
// fields that changed. The old keys' hash-key locks are taken before the
// object lock (spec §4.4's class < hash-key < object order); the new
// keys, only known once the mutation has been applied, are locked in a
// fresh ordering window right after, which is safe because locks here
// never block (spec §4.4: a conflict always fails fast, so there is no
// wait-for cycle for ordering to protect against across that second
// window).
func (t *Txn) Update(class string, id uint64, fieldMutations map[string]any, refEdits []store.RefEdit) error {
	if t.readOnly {
		return veloxerr.New(veloxerr.KindTransactionNotAllowed, "write attempted on a read-only transaction")
	}
	classDesc, err := t.classDesc(class)
	if err != nil {
		return err
	}
	before, err := t.inner.Read(class, id)
	if err != nil {
		return err
	}
	if before == nil {
		return veloxerr.Newf(veloxerr.KindTransactionConflict, "record %d not found", id)
	}
	// Both field mutations and reference edits can move a record between
	// hash-index keys, so the old keys are always unstaged and the new
	// ones restaged; inverse edges only track reference fields.
	t.inner.ResetLockOrdering()
	if err := t.stageIndexRemoves(classDesc, id, before.Values, before.Refs); err != nil {
		return err
	}
	if len(refEdits) > 0 {
		t.unstageInverseEdges(classDesc, id, before.Refs)
	}

	if err := t.inner.Update(class, id, fieldMutations, refEdits); err != nil {
		return err
	}

	after, err := t.inner.Read(class, id)
	if err != nil {
		return err
	}
	t.deferRefCheck(classDesc, after.Refs)
	t.inner.ResetLockOrdering()
	if err := t.stageIndexInserts(classDesc, id, after.Values, after.Refs); err != nil {
		return err
	}
	if len(refEdits) > 0 {
		t.stageInverseEdges(classDesc, id, after.Refs)
	}
	return nil
}

// Delete removes a record, planning and executing its full cascade (spec
// §4.3): PreventDelete aborts the whole delete if any live inverse edge
// remains, CascadeDelete recursively deletes referencing records
// (cycle-safe, each id at most once), and SetToNull clears the offending
// reference on referencing records.
func (t *Txn) Delete(class string, id uint64) error {
	if t.readOnly {
		return veloxerr.New(veloxerr.KindTransactionNotAllowed, "write attempted on a read-only transaction")
	}
	return t.deleteCascade(class, id)
}

func (t *Txn) deleteCascade(class string, id uint64) error {
	key := delTarget{class, id}
	if t.deleting == nil {
		t.deleting = make(map[delTarget]struct{})
	}
	if _, busy := t.deleting[key]; busy {
		return nil
	}
	t.deleting[key] = struct{}{}

	actions, err := t.db.invrefs.Plan(t.db.Model(), class, id)
	if err != nil {
		return err
	}
	untracked, err := t.untrackedActions(class, id)
	if err != nil {
		return err
	}
	for _, a := range append(actions, untracked...) {
		switch a.Kind {
		case invref.ActionSetNull:
			if err := t.clearReference(a.Class, a.ID, a.RefName, a.TargetID); err != nil {
				return err
			}
		case invref.ActionCascadeDelete:
			// Recurse rather than deleting directly: the cascaded source
			// may itself be the target of untracked references that only
			// a scan can find.
			if err := t.deleteCascade(a.Class, a.ID); err != nil {
				return err
			}
		}
	}
	return t.deleteOne(class, id)
}

// untrackedActions scans for live records still referencing (class, id)
// through references declared untracked. Such references have no inverse
// edge, so the only way to enforce their delete policy is a full class
// scan over every declaring class — slow by design, and documented as
// such to callers choosing untracked references.
func (t *Txn) untrackedActions(class string, id uint64) ([]invref.Action, error) {
	mdl := t.db.Model()
	var actions []invref.Action
	for _, c := range mdl.Classes() {
		if c.Abstract {
			continue
		}
		for _, r := range c.References {
			if r.Tracked || !mdl.IsSubclassOf(class, r.TargetClass) {
				continue
			}
			it, err := t.Scan(c.Name, nil)
			if err != nil {
				return nil, err
			}
			for {
				rv, ok, err := it.Next(context.Background())
				if err != nil {
					return nil, err
				}
				if !ok {
					break
				}
				if refersTo(rv.Refs[r.Name], id) {
					switch r.DeletePolicy {
					case model.PreventDelete:
						return nil, veloxerr.Newf(veloxerr.KindReferentialIntegrityViolation,
							"cannot delete %s#%d: referenced by %s#%d via untracked %q", class, id, c.Name, rv.ID, r.Name).
							WithDetail(veloxerr.Detail{ClassName: class, ObjectID: id})
					case model.CascadeDelete:
						actions = append(actions, invref.Action{Kind: invref.ActionCascadeDelete, Class: c.Name, ID: rv.ID})
					case model.SetToNull:
						actions = append(actions, invref.Action{Kind: invref.ActionSetNull, Class: c.Name, ID: rv.ID, RefName: r.Name, TargetID: id})
					}
				}
			}
		}
	}
	return actions, nil
}

func refersTo(refs []uint64, id uint64) bool {
	for _, v := range refs {
		if v == id {
			return true
		}
	}
	return false
}

// clearReference removes every occurrence of target from a referencing
// record's reference array (spec §4.3 SetToNull: only the offending
// entries are dropped; edges to other targets survive). For a
// cardinality-1 reference this is invalid, since the reference must stay
// non-null.
func (t *Txn) clearReference(class string, id uint64, refName string, target uint64) error {
	rv, err := t.inner.Read(class, id)
	if err != nil {
		return err
	}
	if rv == nil {
		return nil
	}
	classDesc, err := t.classDesc(class)
	if err != nil {
		return err
	}
	r, ok := classDesc.Reference(refName)
	if !ok {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "unknown reference %q on %q", refName, class)
	}
	if !r.Multi {
		return veloxerr.Newf(veloxerr.KindReferentialIntegrityViolation,
			"cannot SetToNull cardinality-1 reference %q on %q#%d", refName, class, id)
	}
	kept := make([]uint64, 0, len(rv.Refs[refName]))
	for _, v := range rv.Refs[refName] {
		if v != target {
			kept = append(kept, v)
		}
	}
	return t.Update(class, id, nil, []store.RefEdit{{Name: refName, Op: store.RefSetAll, Values: kept}})
}

func (t *Txn) deleteOne(class string, id uint64) error {
	classDesc, err := t.classDesc(class)
	if err != nil {
		return err
	}
	before, err := t.inner.Read(class, id)
	if err != nil {
		return err
	}
	if before == nil {
		return nil // already gone, e.g. visited twice via a diamond
	}
	t.inner.ResetLockOrdering()
	if err := t.stageIndexRemoves(classDesc, id, before.Values, before.Refs); err != nil {
		return err
	}
	if err := t.inner.Delete(class, id); err != nil {
		return err
	}
	t.unstageInverseEdges(classDesc, id, before.Refs)
	return nil
}

// Scan opens a restartable iterator over class (spec §4.1).
func (t *Txn) Scan(class string, filter store.Filter) (*store.ScanIterator, error) {
	return t.inner.Scan(class, filter)
}

// findApplicableIndex locates a declared hash index named indexName that
// applies to class or one of its ancestors (spec §4.2).
func findApplicableIndex(mdl *model.Model, class, indexName string) (model.HashIndexDescriptor, bool) {
	for _, idxDesc := range applicableIndexes(mdl, class) {
		if idxDesc.Name == indexName {
			return idxDesc, true
		}
	}
	return model.HashIndexDescriptor{}, false
}

func keyValuesEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ka, err := index.EncodeKey(a[i : i+1])
		if err != nil {
			return false
		}
		kb, err := index.EncodeKey(b[i : i+1])
		if err != nil {
			return false
		}
		if ka != kb {
			return false
		}
	}
	return true
}

// Lookup resolves a declared hash index's key tuple to every matching id
// (spec §4.2: "lookup(key-tuple) -> set of ids or a single id"). It takes
// a shared hash-key lock on the encoded key, then merges the committed
// index contents with this transaction's own staged inserts/removes so a
// lookup sees a consistent view including its own pending writes (spec
// §4.2). While the index is still refilling (spec §4.9), Lookup also
// falls back to a full class scan so a key that hasn't been backfilled
// yet is still found.
func (t *Txn) Lookup(class, indexName string, keyValues []any) ([]uint64, error) {
	idxDesc, ok := findApplicableIndex(t.db.Model(), class, indexName)
	if !ok {
		return nil, veloxerr.Newf(veloxerr.KindSchemaIncompatible, "unknown hash index %q on %q", indexName, class)
	}
	key, err := index.EncodeKey(keyValues)
	if err != nil {
		return nil, err
	}
	ix, ok := t.db.indexes.Get(idxDesc.DefiningClass, idxDesc.Name)
	if !ok {
		return nil, nil
	}
	t.inner.ResetLockOrdering()
	if err := t.inner.LockHashKey(key, lock.Shared); err != nil {
		return nil, err
	}

	everSeen := make(map[uint64]bool)
	included := make(map[uint64]bool)
	var order []uint64
	markAdd := func(id uint64) {
		if !everSeen[id] {
			everSeen[id] = true
			order = append(order, id)
		}
		included[id] = true
	}
	for _, id := range ix.Lookup(key) {
		markAdd(id)
	}
	for _, op := range t.pendingIdx {
		if op.idx != ix || op.key != key {
			continue
		}
		if op.kind == indexOpInsert {
			markAdd(op.id)
		} else {
			included[op.id] = false
		}
	}
	if ix.State() == index.Refilling {
		if err := t.scanForKey(class, idxDesc, keyValues, markAdd); err != nil {
			return nil, err
		}
	}

	out := make([]uint64, 0, len(order))
	for _, id := range order {
		if included[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *Txn) scanForKey(class string, idxDesc model.HashIndexDescriptor, keyValues []any, markAdd func(uint64)) error {
	it, err := t.Scan(class, nil)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for {
		rv, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		vals, ok := indexKeyValues(idxDesc, rv.Values, rv.Refs)
		if !ok || !keyValuesEqual(vals, keyValues) {
			continue
		}
		markAdd(rv.ID)
	}
	return nil
}

// Commit finalizes the transaction (spec §4.5, §4.6, §4.8, §4.10): the
// underlying txn.Txn validates (replaying this transaction's staged
// hash-index writes and deferred reference checks via validate()),
// durably logs, and publishes; on success the changeset is forwarded to
// the replicator and every touched id is queued for GC.
func (t *Txn) Commit(ctx context.Context) error {
	defer t.db.txnRegistry.Delete(t.inner.ID())
	cs, err := t.inner.Commit()
	if err != nil {
		if veloxerr.Is(err, veloxerr.KindTransactionConflict) {
			t.db.stats.recordConflict()
		} else if veloxerr.Is(err, veloxerr.KindReferentialIntegrityViolation) || veloxerr.Is(err, veloxerr.KindUniquenessViolation) {
			t.db.stats.recordIntegrityFailure()
		}
		t.runUndo()
		return err
	}
	t.db.stats.recordCommit()
	mdl := t.db.Model()
	for _, op := range cs.Ops {
		if c, ok := mdl.ClassByID(op.ClassID); ok {
			t.db.gcc.Enqueue(c.Name, op.ObjectID)
		}
	}
	if t.db.replicator != nil {
		_ = t.db.replicator.Forward(ctx, cs.CommitVersion, cs)
	}
	return nil
}

// Abort rolls back every staged index entry and inverse edge alongside
// the underlying transaction's rollback.
func (t *Txn) Abort() {
	defer t.db.txnRegistry.Delete(t.inner.ID())
	t.inner.Abort()
	t.runUndo()
}

func (t *Txn) runUndo() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// ID returns the transaction's id.
func (t *Txn) ID() uint64 { return t.inner.ID() }

// ReadVersion returns the transaction's sampled read version.
func (t *Txn) ReadVersion() uint64 { return t.inner.ReadVersion() }
