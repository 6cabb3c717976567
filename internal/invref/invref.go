// Package invref implements the inverse-reference map (spec §4.3): for
// every tracked reference field, a reverse adjacency from target object
// id to the multiset of (source class, source id, reference name) edges
// that point at it, plus delete-policy enforcement
// (PreventDelete/CascadeDelete/SetToNull) and cycle-safe cascade planning.
//
// Grounded on spec §4.3's own description of the reverse-edge structure,
// with the staged-pair (remove-old-edge, add-new-edge) update pattern
// mirrored from internal/storage/mvcc.go's RecordWrite write-set staging
// — an update that changes a reference value looks, from invref's point
// of view, like one RemoveEdge followed by one AddEdge.
package invref

import (
	"sync"

	"github.com/veloxdb/velox/internal/model"
	"github.com/veloxdb/velox/internal/veloxerr"
)

type edgeIdentity struct {
	sourceClass string
	sourceID    uint64
	refName     string
}

// Manager owns every tracked reverse edge, keyed by target object id.
// Counts support the same target appearing more than once in one
// source's reference array.
type Manager struct {
	mu       sync.RWMutex
	byTarget map[uint64]map[edgeIdentity]int
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{byTarget: make(map[uint64]map[edgeIdentity]int)}
}

// AddEdge records that sourceClass/sourceID references targetID through
// refName.
func (m *Manager) AddEdge(targetID uint64, sourceClass string, sourceID uint64, refName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byTarget[targetID]
	if !ok {
		set = make(map[edgeIdentity]int)
		m.byTarget[targetID] = set
	}
	set[edgeIdentity{sourceClass, sourceID, refName}]++
}

// RemoveEdge reverses one AddEdge call. Calling it more times than the
// edge was added is a no-op once the count reaches zero.
func (m *Manager) RemoveEdge(targetID uint64, sourceClass string, sourceID uint64, refName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byTarget[targetID]
	if !ok {
		return
	}
	id := edgeIdentity{sourceClass, sourceID, refName}
	if set[id] <= 1 {
		delete(set, id)
	} else {
		set[id]--
	}
	if len(set) == 0 {
		delete(m.byTarget, targetID)
	}
}

// Edge is one reverse-adjacency entry, with its current multiplicity.
type Edge struct {
	SourceClass string
	SourceID    uint64
	RefName     string
	Count       int
}

// Reset discards every tracked edge. Used by internal/engine when
// rebuilding the inverse-reference map from scratch after a snapshot
// restore or WAL replay, where edges are recomputed from live record
// state rather than incrementally maintained.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTarget = make(map[uint64]map[edgeIdentity]int)
}

// Edges returns every edge currently pointing at targetID.
func (m *Manager) Edges(targetID uint64) []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byTarget[targetID]
	out := make([]Edge, 0, len(set))
	for id, count := range set {
		out = append(out, Edge{SourceClass: id.sourceClass, SourceID: id.sourceID, RefName: id.refName, Count: count})
	}
	return out
}

// ActionKind is the cascaded consequence of deleting an object that other
// records reference.
type ActionKind uint8

const (
	// ActionCascadeDelete means the source record must also be deleted.
	ActionCascadeDelete ActionKind = iota
	// ActionSetNull means the source record's reference must be cleared.
	ActionSetNull
)

// Action is one step a delete plan requires the caller (internal/engine)
// to perform, beyond deleting the original target. For ActionSetNull,
// TargetID identifies the record being deleted so the caller removes only
// the entries referencing it, leaving edges to other targets intact.
type Action struct {
	Kind     ActionKind
	Class    string
	ID       uint64
	RefName  string
	TargetID uint64
}

// target identifies an object being considered for deletion during
// planning.
type target struct {
	class string
	id    uint64
}

// Plan computes the full cascade for deleting (class, id): it walks every
// inverse edge, rejecting the whole operation with
// ReferentialIntegrityViolation if any referencing field uses
// PreventDelete, recursing through CascadeDelete edges, and collecting
// ActionSetNull steps for SetToNull edges. The visited set (spec
// DESIGN.md open-question resolution) guarantees a diamond or cycle of
// cascade edges still deletes every affected record at most once.
func (m *Manager) Plan(mdl *model.Model, class string, id uint64) ([]Action, error) {
	visited := make(map[target]struct{})
	var actions []Action
	if err := m.planRec(mdl, target{class, id}, visited, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

func (m *Manager) planRec(mdl *model.Model, t target, visited map[target]struct{}, actions *[]Action) error {
	if _, ok := visited[t]; ok {
		return nil
	}
	visited[t] = struct{}{}

	for _, e := range m.Edges(t.id) {
		policy, err := referenceDeletePolicy(mdl, e.SourceClass, e.RefName)
		if err != nil {
			return err
		}
		switch policy {
		case model.PreventDelete:
			return veloxerr.Newf(veloxerr.KindReferentialIntegrityViolation,
				"cannot delete %s#%d: referenced by %s#%d via %q", t.class, t.id, e.SourceClass, e.SourceID, e.RefName).
				WithDetail(veloxerr.Detail{ClassName: t.class, ObjectID: t.id})
		case model.CascadeDelete:
			st := target{e.SourceClass, e.SourceID}
			if _, already := visited[st]; !already {
				*actions = append(*actions, Action{Kind: ActionCascadeDelete, Class: e.SourceClass, ID: e.SourceID})
				if err := m.planRec(mdl, st, visited, actions); err != nil {
					return err
				}
			}
		case model.SetToNull:
			*actions = append(*actions, Action{Kind: ActionSetNull, Class: e.SourceClass, ID: e.SourceID, RefName: e.RefName, TargetID: t.id})
		}
	}
	return nil
}

func referenceDeletePolicy(mdl *model.Model, sourceClass, refName string) (model.DeletePolicy, error) {
	c, ok := mdl.Class(sourceClass)
	if !ok {
		return 0, veloxerr.Newf(veloxerr.KindSchemaIncompatible, "unknown class %q referenced by inverse edge", sourceClass)
	}
	r, ok := c.Reference(refName)
	if !ok {
		return 0, veloxerr.Newf(veloxerr.KindSchemaIncompatible, "unknown reference %q on %q referenced by inverse edge", refName, sourceClass)
	}
	return r.DeletePolicy, nil
}
