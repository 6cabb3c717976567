package engine

import (
	"github.com/veloxdb/velox/internal/index"
	"github.com/veloxdb/velox/internal/model"
)

// SchemaMutation applies one or more schema edits to a clone of the live
// model (spec §4.9: "validate the proposed change against a clone of the
// live model before publishing").
type SchemaMutation func(*model.Model) error

// UpdateAssemblies performs an online schema update (spec §4.9): the
// proposed mutation runs against a clone first so no caller ever
// observes a half-applied change; GC is drained so no version-chain trim
// races the promotion; class containers are (re)registered against the
// new descriptors; the new model is swapped in under one lock; and a
// newly declared hash index whose defining class already holds records
// starts in Refilling state, backfilled from existing records in the
// background while live writes land directly, while one over an empty
// class starts active (spec §4.9 steps 1-7).
func (db *DB) UpdateAssemblies(mutate SchemaMutation) error {
	db.mdlMu.Lock()
	defer db.mdlMu.Unlock()

	before := db.mdl
	clone := before.Clone()
	if err := mutate(clone); err != nil {
		return err
	}

	db.gcc.Drain()

	for _, c := range clone.Classes() {
		db.store.EnsureClass(c)
	}

	newIndexes := diffNewIndexes(before, clone)

	db.mdl = clone
	db.txns.SetModel(clone)

	for _, pending := range newIndexes {
		populated := len(db.store.ClassRecordIDs(pending.DefiningClass)) > 0
		ix := db.indexes.Register(pending, populated)
		if populated {
			go db.backfillIndex(ix, pending)
		}
	}
	return nil
}

// diffNewIndexes reports every hash index present in after but not
// before, keyed by defining class and index name.
func diffNewIndexes(before, after *model.Model) []model.HashIndexDescriptor {
	seen := make(map[string]struct{})
	for _, c := range before.Classes() {
		for _, idx := range c.Indexes {
			seen[c.Name+"."+idx.Name] = struct{}{}
		}
	}
	var out []model.HashIndexDescriptor
	for _, c := range after.Classes() {
		for _, idx := range c.Indexes {
			key := c.Name + "." + idx.Name
			if _, ok := seen[key]; !ok {
				out = append(out, idx)
			}
		}
	}
	return out
}

// backfillIndex walks every existing record of the index's defining
// class, inserting an entry for each into a newly-declared index, then
// marks it Active (spec §4.9 step 7: "resume refill workers" completes
// once the backfill walk finishes).
func (db *DB) backfillIndex(ix *index.Index, desc model.HashIndexDescriptor) {
	version := db.versions.CurrentVersion()
	for _, id := range db.store.ClassRecordIDs(desc.DefiningClass) {
		rv, err := db.store.ReadAsOf(desc.DefiningClass, id, version)
		if err != nil || rv == nil {
			continue
		}
		keyVals, ok := indexKeyValues(desc, rv.Values, rv.Refs)
		if !ok {
			continue
		}
		key, err := index.EncodeKey(keyVals)
		if err != nil {
			continue
		}
		_ = ix.Insert(key, id)
	}
	ix.CompleteRefill()
}
