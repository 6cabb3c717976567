package engine

import (
	"bytes"
	"encoding/gob"
	"sort"
	"time"

	"github.com/veloxdb/velox/internal/changeset"
	"github.com/veloxdb/velox/internal/index"
	"github.com/veloxdb/velox/internal/model"
	"github.com/veloxdb/velox/internal/replicate"
	"github.com/veloxdb/velox/internal/store"
	"github.com/veloxdb/velox/internal/veloxerr"
	"github.com/veloxdb/velox/internal/wal"
)

func gobEncode(payload snapshotPayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte) (snapshotPayload, error) {
	var payload snapshotPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return snapshotPayload{}, err
	}
	return payload, nil
}

func init() {
	for _, v := range []any{
		bool(false), int32(0), int64(0), float32(0), float64(0), "", []byte(nil), time.Time{},
		[]bool(nil), []int32(nil), []int64(nil), []float32(nil), []float64(nil), []string(nil), [][]byte(nil), []time.Time(nil),
	} {
		gob.Register(v)
	}
}

// recordDump is one live record's wire image inside a snapshot payload.
type recordDump struct {
	Class         string
	ID            uint64
	CommitVersion uint64
	Values        map[string]any
	Refs          map[string][]uint64
}

// indexDump is one hash index's full entry set inside a snapshot payload.
type indexDump struct {
	Desc    model.HashIndexDescriptor
	Entries map[string][]uint64
}

// snapshotPayload is the gob-encoded contents of a wal.Snapshot (spec §6:
// "Payload holds the per-class record dumps and per-index states").
type snapshotPayload struct {
	Generation uint64
	Classes    []model.ClassDescriptor
	Records    []recordDump
	Indexes    []indexDump
}

// CreateSnapshot dumps the current database state to whichever of the
// alternating snapshot files (spec §6: `<db>.snapshot.a` / `.b`) does not
// currently hold the latest valid snapshot, then truncates every
// configured log up to the new snapshot's version (spec §4.8: "A
// snapshot rotation drains the GC, dumps ... and truncates the log up to
// S").
func (db *DB) CreateSnapshot() error {
	db.snapMu.Lock()
	defer db.snapMu.Unlock()

	db.gcc.Drain()

	version := db.versions.CurrentVersion()
	mdl := db.Model()

	payload := snapshotPayload{Generation: mdl.Generation()}
	for _, c := range mdl.Classes() {
		payload.Classes = append(payload.Classes, *c)
		if c.Abstract {
			continue
		}
		for _, id := range db.store.ClassRecordIDs(c.Name) {
			rv, err := db.store.ReadAsOf(c.Name, id, version)
			if err != nil {
				return err
			}
			if rv == nil {
				continue
			}
			payload.Records = append(payload.Records, recordDump{
				Class: c.Name, ID: id, CommitVersion: rv.CommitVersion, Values: rv.Values, Refs: rv.Refs,
			})
		}
	}
	for _, ix := range db.indexes.All() {
		payload.Indexes = append(payload.Indexes, indexDump{Desc: ix.Desc, Entries: ix.Entries()})
	}

	body, err := gobEncode(payload)
	if err != nil {
		return veloxerr.Wrap(veloxerr.KindFatal, "encode snapshot payload", err)
	}

	// Write to whichever of the two alternating files is NOT the current
	// latest valid snapshot, preserving the other as a fallback if this
	// write is interrupted (spec §6's alternating-file rationale).
	target := db.snapPathA
	if latest, ok := wal.PickLatestValid(db.snapPathA, db.snapPathB); ok {
		if a, err := wal.Read(db.snapPathA); err == nil && a.CommitVersion == latest.CommitVersion {
			target = db.snapPathB
		}
	}
	if err := wal.Write(target, wal.Snapshot{CommitVersion: version, Payload: body}); err != nil {
		return veloxerr.Wrap(veloxerr.KindFatal, "write snapshot", err)
	}
	db.lastSnapshot = version

	db.persMu.RLock()
	logs := append([]*wal.DualLog(nil), db.logs...)
	db.persMu.RUnlock()
	for _, lf := range logs {
		if err := lf.TruncateThrough(version); err != nil {
			return err
		}
	}
	return nil
}

// Restore recovers database state from disk (spec §4.8): the newest
// valid snapshot, if any, followed by every frame in the primary log
// whose commit version is strictly newer than the snapshot. Callers must
// call this before Start, after CreateLog has opened the configured log
// streams.
func (db *DB) Restore() error {
	snap, ok := wal.PickLatestValid(db.snapPathA, db.snapPathB)
	baseVersion := uint64(0)
	if ok {
		baseVersion = snap.CommitVersion
		payload, err := gobDecode(snap.Payload)
		if err != nil {
			return veloxerr.Wrap(veloxerr.KindLogCorrupted, "decode snapshot payload", err)
		}
		if err := db.restoreFromPayload(payload); err != nil {
			return err
		}
		db.versions.AdvanceTo(baseVersion)
		db.lastSnapshot = baseVersion
	}

	db.persMu.RLock()
	var primary *wal.DualLog
	if len(db.logs) > 0 {
		primary = db.logs[0]
	}
	db.persMu.RUnlock()
	if primary == nil {
		return nil
	}

	// Auxiliary log streams mirror the primary for durability fan-out, not
	// partition it (spec §4.8), so only the primary is replayed.
	var newest uint64
	_, frames, _, err := wal.Restore(primary, db.snapPathA, db.snapPathB)
	if err != nil {
		return err
	}
	for _, f := range frames {
		cs, err := changeset.Decode(f.Payload)
		if err != nil {
			return err
		}
		cs.CommitVersion = f.CommitVersion
		if err := db.applyChangeset(cs); err != nil {
			return err
		}
		if f.CommitVersion > newest {
			newest = f.CommitVersion
		}
	}
	if newest > baseVersion {
		db.versions.AdvanceTo(newest)
	}
	return db.rebuildDerivedState()
}

func (db *DB) restoreFromPayload(payload snapshotPayload) error {
	mdl := model.Restore(payload.Classes, payload.Generation)
	db.mdlMu.Lock()
	db.mdl = mdl
	db.mdlMu.Unlock()
	db.txns.SetModel(mdl)

	for _, c := range mdl.Classes() {
		db.store.EnsureClass(c)
	}
	for _, r := range payload.Records {
		if err := db.store.RestoreRecord(r.Class, r.ID, r.CommitVersion, r.Values, r.Refs); err != nil {
			return err
		}
	}

	db.indexes = index.NewManager()
	for _, d := range payload.Indexes {
		ix := db.indexes.Register(d.Desc, false)
		for key, ids := range d.Entries {
			for _, id := range ids {
				if err := ix.Insert(key, id); err != nil {
					return err
				}
			}
		}
	}
	return db.rebuildInverseEdges()
}

// rebuildDerivedState recomputes every hash-index entry and inverse
// reference edge from the live records currently in the store. It is the
// recovery-path analogue of the inline staging internal/engine/txn.go
// performs per-operation, used once after a bulk WAL replay where ops
// were applied directly against internal/store rather than through Txn.
func (db *DB) rebuildDerivedState() error {
	db.indexes = index.NewManager()
	mdl := db.Model()
	for _, c := range mdl.Classes() {
		if c.Abstract {
			continue
		}
		for _, idxDesc := range c.Indexes {
			db.indexes.Register(idxDesc, false)
		}
	}
	if err := db.reindexAllRecords(); err != nil {
		return err
	}
	return db.rebuildInverseEdges()
}

func (db *DB) rebuildInverseEdges() error {
	db.invrefs.Reset()
	mdl := db.Model()
	version := db.versions.CurrentVersion()
	for _, c := range mdl.Classes() {
		if c.Abstract {
			continue
		}
		for _, id := range db.store.ClassRecordIDs(c.Name) {
			rv, err := db.store.ReadAsOf(c.Name, id, version)
			if err != nil {
				return err
			}
			if rv == nil {
				continue
			}
			for _, r := range c.References {
				if !r.Tracked {
					continue
				}
				for _, target := range rv.Refs[r.Name] {
					db.invrefs.AddEdge(target, c.Name, id, r.Name)
				}
			}
		}
	}
	return nil
}

func (db *DB) reindexAllRecords() error {
	mdl := db.Model()
	version := db.versions.CurrentVersion()
	for _, c := range mdl.Classes() {
		if c.Abstract {
			continue
		}
		for _, id := range db.store.ClassRecordIDs(c.Name) {
			rv, err := db.store.ReadAsOf(c.Name, id, version)
			if err != nil {
				return err
			}
			if rv == nil {
				continue
			}
			for _, idxDesc := range applicableIndexes(mdl, c.Name) {
				ix, ok := db.indexes.Get(idxDesc.DefiningClass, idxDesc.Name)
				if !ok {
					ix = db.indexes.Register(idxDesc, false)
				}
				keyVals, ok := indexKeyValues(idxDesc, rv.Values, rv.Refs)
				if !ok {
					continue
				}
				key, err := index.EncodeKey(keyVals)
				if err != nil {
					return err
				}
				if err := ix.Insert(key, id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// applyChangeset replays an already-committed changeset directly against
// the store, bypassing the transaction/lock machinery (spec §4.10: a
// standby applying a shipped changeset, or recovery replaying a WAL
// frame, is not a new transaction). After the store mutation, affected
// index entries and inverse edges are restaged inline so a standby's
// derived state never drifts from a primary's.
func (db *DB) applyChangeset(cs changeset.Set) error {
	mdl := db.Model()
	for _, op := range cs.Ops {
		classDesc, ok := mdl.ClassByID(op.ClassID)
		if !ok {
			return veloxerr.Newf(veloxerr.KindChangesetCorrupted, "unknown class id %d in replayed changeset", op.ClassID)
		}
		switch op.Kind {
		case changeset.OpCreate:
			refs := refsFromSetAllEdits(op.RefEdits)
			if err := db.store.RestoreRecord(classDesc.Name, op.ObjectID, cs.CommitVersion, op.Values, refs); err != nil {
				return err
			}
			rv, err := db.store.ReadAsOf(classDesc.Name, op.ObjectID, cs.CommitVersion)
			if err != nil {
				return err
			}
			if err := db.reindexLive(classDesc, op.ObjectID, rv.Values, rv.Refs); err != nil {
				return err
			}
		case changeset.OpUpdate:
			before, err := db.store.ReadAsOf(classDesc.Name, op.ObjectID, cs.CommitVersion-1)
			if err != nil {
				return err
			}
			if before != nil {
				db.unreindexLive(classDesc, op.ObjectID, before.Values, before.Refs)
			}
			if err := db.store.ReplayUpdate(classDesc.Name, op.ObjectID, cs.CommitVersion, op.Values, op.RefEdits); err != nil {
				return err
			}
			after, err := db.store.ReadAsOf(classDesc.Name, op.ObjectID, cs.CommitVersion)
			if err != nil {
				return err
			}
			if err := db.reindexLive(classDesc, op.ObjectID, after.Values, after.Refs); err != nil {
				return err
			}
		case changeset.OpDelete:
			before, err := db.store.ReadAsOf(classDesc.Name, op.ObjectID, cs.CommitVersion-1)
			if err != nil {
				return err
			}
			if before != nil {
				db.unreindexLive(classDesc, op.ObjectID, before.Values, before.Refs)
			}
			if err := db.store.ReplayDelete(classDesc.Name, op.ObjectID, cs.CommitVersion); err != nil {
				return err
			}
			db.gcc.Enqueue(classDesc.Name, op.ObjectID)
		}
	}
	db.stats.recordCommit()
	// Replayed commits are already ordered and durable; the visible
	// version follows them directly so readers on this replica (spec
	// §4.10: reads are allowed on an aligned standby) observe them.
	db.versions.AdvanceTo(cs.CommitVersion)
	return nil
}

func refsFromSetAllEdits(edits []store.RefEdit) map[string][]uint64 {
	out := make(map[string][]uint64, len(edits))
	for _, e := range edits {
		if e.Op == store.RefSetAll {
			out[e.Name] = e.Values
		}
	}
	return out
}

func (db *DB) reindexLive(classDesc *model.ClassDescriptor, id uint64, values map[string]any, refs map[string][]uint64) error {
	for _, idxDesc := range applicableIndexes(db.Model(), classDesc.Name) {
		ix, ok := db.indexes.Get(idxDesc.DefiningClass, idxDesc.Name)
		if !ok {
			ix = db.indexes.Register(idxDesc, false)
		}
		keyVals, ok := indexKeyValues(idxDesc, values, refs)
		if !ok {
			continue
		}
		key, err := index.EncodeKey(keyVals)
		if err != nil {
			return err
		}
		if err := ix.Insert(key, id); err != nil {
			return err
		}
	}
	for _, r := range classDesc.References {
		if !r.Tracked {
			continue
		}
		for _, target := range refs[r.Name] {
			db.invrefs.AddEdge(target, classDesc.Name, id, r.Name)
		}
	}
	return nil
}

func (db *DB) unreindexLive(classDesc *model.ClassDescriptor, id uint64, values map[string]any, refs map[string][]uint64) {
	for _, idxDesc := range applicableIndexes(db.Model(), classDesc.Name) {
		ix, ok := db.indexes.Get(idxDesc.DefiningClass, idxDesc.Name)
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
		ix.Remove(key, id)
	}
	for _, r := range classDesc.References {
		if !r.Tracked {
			continue
		}
		for _, target := range refs[r.Name] {
			db.invrefs.RemoveEdge(target, classDesc.Name, id, r.Name)
		}
	}
}

// alignmentSource adapts internal/engine's store/WAL state to
// replicate.AlignmentSource (spec §4.10's "Alignment" catch-up
// protocol): given a requesting standby's per-class watermarks, it walks
// every class for ids the standby has not yet seen tombstoned, shipping
// a synthetic delete for any that are in fact gone locally, alongside
// whatever already-logged ops are newer than the standby's last applied
// version.
type alignmentSource struct{ db *DB }

func (db *DB) newAlignmentSource() replicate.AlignmentSource { return alignmentSource{db: db} }

func (a alignmentSource) ComputeAlignment(classWatermarks map[string]uint64, lastApplied uint64) ([]replicate.AlignmentOp, error) {
	db := a.db
	db.persMu.RLock()
	var primary *wal.DualLog
	if len(db.logs) > 0 {
		primary = db.logs[0]
	}
	db.persMu.RUnlock()
	db.snapMu.Lock()
	snapVersion := db.lastSnapshot
	db.snapMu.Unlock()

	// Deletes whose frames were truncated away by a snapshot can no longer
	// be shipped from the log; they are synthesized from the surviving
	// tombstones instead (spec §4.10's "alignment delete" changesets).
	// Tombstones still covered by the log range below are shipped there.
	type pendingDelete struct {
		classID uint16
		id      uint64
		version uint64
	}
	var synthetic []pendingDelete
	mdl := db.Model()
	for _, c := range mdl.Classes() {
		if c.Abstract {
			continue
		}
		floor := lastApplied
		if w, ok := classWatermarks[c.Name]; ok && w > floor {
			floor = w
		}
		for _, ts := range db.store.TombstonesSince(c.Name, floor) {
			if ts.CommitVersion > snapVersion {
				continue
			}
			synthetic = append(synthetic, pendingDelete{classID: c.ID, id: ts.ID, version: ts.CommitVersion})
		}
	}
	sort.Slice(synthetic, func(i, j int) bool { return synthetic[i].version < synthetic[j].version })

	var ops []replicate.AlignmentOp
	seq := lastApplied
	for _, d := range synthetic {
		payload, err := changeset.Encode(changeset.Set{
			CommitVersion: d.version,
			Ops:           []changeset.Op{{Kind: changeset.OpDelete, ClassID: d.classID, ObjectID: d.id}},
		})
		if err != nil {
			return nil, err
		}
		seq++
		ops = append(ops, replicate.AlignmentOp{Synthetic: true, Sequence: seq, CommitVersion: d.version, Payload: payload})
	}

	if primary != nil {
		frames, _, err := primary.ReadFrames()
		if err != nil {
			return nil, err
		}
		for _, f := range frames {
			if f.CommitVersion <= lastApplied {
				continue
			}
			seq++
			ops = append(ops, replicate.AlignmentOp{Sequence: seq, CommitVersion: f.CommitVersion, Payload: f.Payload})
		}
	}
	return ops, nil
}
