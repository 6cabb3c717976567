// Package model holds the descriptor tables for classes, properties,
// references, and hash indexes (spec §3, §4.9). Descriptors are immutable
// once published; a schema update builds a new Model and swaps it in
// atomically so that readers never observe a half-updated descriptor set.
//
// Grounded on internal/storage/catalog.go's CatalogManager: a
// mutex-guarded registry of named metadata records, generalized from SQL
// table/column/view metadata to class/property/reference/index
// descriptors with inheritance.
package model

import (
	"fmt"

	"github.com/veloxdb/velox/internal/veloxerr"
)

// PropType is the type tag of a fixed-width or variable-length property.
type PropType uint8

const (
	PropInvalid PropType = iota
	PropBool
	PropInt32
	PropInt64
	PropFloat32
	PropFloat64
	PropDateTime
	PropString
	PropByteArray
)

func (t PropType) String() string {
	switch t {
	case PropBool:
		return "bool"
	case PropInt32:
		return "int32"
	case PropInt64:
		return "int64"
	case PropFloat32:
		return "float32"
	case PropFloat64:
		return "float64"
	case PropDateTime:
		return "datetime"
	case PropString:
		return "string"
	case PropByteArray:
		return "bytearray"
	default:
		return "invalid"
	}
}

// widensTo reports whether a value of type t can be losslessly widened to
// target without a rewrite (spec §4.9: "widen integer, widen numeric
// precision" is allowed; anything else is SchemaIncompatible).
func (t PropType) widensTo(target PropType) bool {
	if t == target {
		return true
	}
	switch {
	case t == PropInt32 && target == PropInt64:
		return true
	case t == PropFloat32 && target == PropFloat64:
		return true
	default:
		return false
	}
}

// DeletePolicy governs what happens to a reference when its target is
// deleted (spec §3, §4.3).
type DeletePolicy uint8

const (
	PreventDelete DeletePolicy = iota
	CascadeDelete
	SetToNull
)

func (p DeletePolicy) String() string {
	switch p {
	case PreventDelete:
		return "PreventDelete"
	case CascadeDelete:
		return "CascadeDelete"
	case SetToNull:
		return "SetToNull"
	default:
		return "Unknown"
	}
}

// PropertyDescriptor describes one fixed-width or string/byte-array field.
type PropertyDescriptor struct {
	Name  string
	Type  PropType
	Array bool // true for arrays of simple types
}

// ReferenceDescriptor describes one reference field (spec §3).
type ReferenceDescriptor struct {
	Name         string
	TargetClass  string
	Multi        bool // array of references vs. single (cardinality-1)
	Tracked      bool // whether an inverse edge is maintained
	DeletePolicy DeletePolicy
	InverseName  string // name under which the inverse collection is exposed
}

// HashIndexDescriptor describes a declared hash index over 1-4 properties.
type HashIndexDescriptor struct {
	Name       string
	Properties []string // 1-4 property or single-reference names, ordered
	Unique     bool
	// DefiningClass is the class that declared the index; it applies to
	// that class and all descendants.
	DefiningClass string
}

// ClassDescriptor is the fixed schema of one class (spec §3).
type ClassDescriptor struct {
	ID         uint16
	Name       string
	Abstract   bool
	BaseClass  string // empty if no parent
	Properties []PropertyDescriptor
	References []ReferenceDescriptor
	Indexes    []HashIndexDescriptor
}

func (c *ClassDescriptor) Property(name string) (PropertyDescriptor, bool) {
	for _, p := range c.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyDescriptor{}, false
}

func (c *ClassDescriptor) Reference(name string) (ReferenceDescriptor, bool) {
	for _, r := range c.References {
		if r.Name == name {
			return r, true
		}
	}
	return ReferenceDescriptor{}, false
}

// Model is an immutable, validated set of class descriptors plus their
// inheritance chain and id maps. Model instances are never mutated after
// Build; a schema update produces a new Model via Evolve and the caller
// swaps the pointer atomically (spec §4.9 step 5).
type Model struct {
	generation uint64
	byName     map[string]*ClassDescriptor
	byID       map[uint16]*ClassDescriptor
	nextID     uint16
}

// NewModel returns an empty model at generation 0.
func NewModel() *Model {
	return &Model{
		byName: make(map[string]*ClassDescriptor),
		byID:   make(map[uint16]*ClassDescriptor),
		nextID: 1,
	}
}

// Generation returns the monotonically increasing schema-update counter.
func (m *Model) Generation() uint64 { return m.generation }

// Class looks up a class descriptor by name.
func (m *Model) Class(name string) (*ClassDescriptor, bool) {
	c, ok := m.byName[name]
	return c, ok
}

// ClassByID looks up a class descriptor by its stable id.
func (m *Model) ClassByID(id uint16) (*ClassDescriptor, bool) {
	c, ok := m.byID[id]
	return c, ok
}

// Classes returns every class descriptor, in no particular order.
func (m *Model) Classes() []*ClassDescriptor {
	out := make([]*ClassDescriptor, 0, len(m.byName))
	for _, c := range m.byName {
		out = append(out, c)
	}
	return out
}

// IsSubclassOf reports whether class `name` is `base` or a transitive
// descendant of it, walking BaseClass links.
func (m *Model) IsSubclassOf(name, base string) bool {
	for name != "" {
		if name == base {
			return true
		}
		c, ok := m.byName[name]
		if !ok {
			return false
		}
		name = c.BaseClass
	}
	return false
}

// Clone returns a deep-enough copy suitable as the starting point for
// Evolve: descriptor slices are copied so mutating the clone never
// affects the published Model.
func (m *Model) Clone() *Model {
	next := &Model{
		generation: m.generation,
		byName:     make(map[string]*ClassDescriptor, len(m.byName)),
		byID:       make(map[uint16]*ClassDescriptor, len(m.byID)),
		nextID:     m.nextID,
	}
	for name, c := range m.byName {
		cp := *c
		cp.Properties = append([]PropertyDescriptor(nil), c.Properties...)
		cp.References = append([]ReferenceDescriptor(nil), c.References...)
		cp.Indexes = append([]HashIndexDescriptor(nil), c.Indexes...)
		next.byName[name] = &cp
		next.byID[cp.ID] = &cp
	}
	return next
}

// AddClass validates and inserts a new class descriptor, assigning it a
// stable id. Returns SchemaIncompatible if the name is taken or the base
// class is unknown.
func (m *Model) AddClass(c ClassDescriptor) (*ClassDescriptor, error) {
	if _, exists := m.byName[c.Name]; exists {
		return nil, veloxerr.Newf(veloxerr.KindSchemaIncompatible, "class %q already exists", c.Name)
	}
	if c.BaseClass != "" {
		if _, ok := m.byName[c.BaseClass]; !ok {
			return nil, veloxerr.Newf(veloxerr.KindSchemaIncompatible, "base class %q not found", c.BaseClass)
		}
	}
	c.ID = m.nextID
	m.nextID++
	cp := c
	cp.Properties = append([]PropertyDescriptor(nil), c.Properties...)
	cp.References = append([]ReferenceDescriptor(nil), c.References...)
	cp.Indexes = append([]HashIndexDescriptor(nil), c.Indexes...)
	m.byName[cp.Name] = &cp
	m.byID[cp.ID] = &cp
	m.generation++
	return &cp, nil
}

// RemoveClass deletes a class descriptor. Callers (internal/engine) are
// responsible for verifying the class is empty of instances, or that
// cascade-on-empty was chosen, before calling this.
func (m *Model) RemoveClass(name string) error {
	c, ok := m.byName[name]
	if !ok {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "class %q not found", name)
	}
	for _, other := range m.byName {
		if other.BaseClass == name {
			return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "class %q is the base of %q", name, other.Name)
		}
	}
	delete(m.byName, name)
	delete(m.byID, c.ID)
	m.generation++
	return nil
}

// AddProperty appends a new property to an existing class.
func (m *Model) AddProperty(className string, p PropertyDescriptor) error {
	c, ok := m.byName[className]
	if !ok {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "class %q not found", className)
	}
	if _, exists := c.Property(p.Name); exists {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "property %q already exists on %q", p.Name, className)
	}
	c.Properties = append(c.Properties, p)
	m.generation++
	return nil
}

// RemoveProperty removes a property from a class by name.
func (m *Model) RemoveProperty(className, propName string) error {
	c, ok := m.byName[className]
	if !ok {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "class %q not found", className)
	}
	for i, p := range c.Properties {
		if p.Name == propName {
			c.Properties = append(c.Properties[:i], c.Properties[i+1:]...)
			m.generation++
			return nil
		}
	}
	return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "property %q not found on %q", propName, className)
}

// RetypeProperty applies a type-narrowing/widening change (spec §4.9).
// Only widening (int32->int64, float32->float64) is allowed; anything
// else is rejected with SchemaIncompatible. The new type is recorded but
// existing records keep their stored width and are widened lazily on
// next read (internal/store is responsible for that lazy conversion).
func (m *Model) RetypeProperty(className, propName string, newType PropType) error {
	c, ok := m.byName[className]
	if !ok {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "class %q not found", className)
	}
	for i, p := range c.Properties {
		if p.Name != propName {
			continue
		}
		if !p.Type.widensTo(newType) {
			return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "cannot retype %s.%s from %s to %s", className, propName, p.Type, newType)
		}
		c.Properties[i].Type = newType
		m.generation++
		return nil
	}
	return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "property %q not found on %q", propName, className)
}

// AddReference appends a reference field, optionally flipping
// tracked/untracked via ReferenceDescriptor.Tracked.
func (m *Model) AddReference(className string, r ReferenceDescriptor) error {
	c, ok := m.byName[className]
	if !ok {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "class %q not found", className)
	}
	if _, ok := m.byName[r.TargetClass]; !ok {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "target class %q not found", r.TargetClass)
	}
	if _, exists := c.Reference(r.Name); exists {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "reference %q already exists on %q", r.Name, className)
	}
	c.References = append(c.References, r)
	m.generation++
	return nil
}

// RemoveReference removes a reference field.
func (m *Model) RemoveReference(className, refName string) error {
	c, ok := m.byName[className]
	if !ok {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "class %q not found", className)
	}
	for i, r := range c.References {
		if r.Name == refName {
			c.References = append(c.References[:i], c.References[i+1:]...)
			m.generation++
			return nil
		}
	}
	return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "reference %q not found on %q", refName, className)
}

// SetReferenceTracking flips a reference between tracked and untracked
// (spec §4.9: "add/remove reference (including flipping tracked/
// untracked)").
func (m *Model) SetReferenceTracking(className, refName string, tracked bool) error {
	c, ok := m.byName[className]
	if !ok {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "class %q not found", className)
	}
	for i, r := range c.References {
		if r.Name == refName {
			c.References[i].Tracked = tracked
			m.generation++
			return nil
		}
	}
	return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "reference %q not found on %q", refName, className)
}

// AddHashIndex registers a new hash index in pending-refill state. The
// Model only records the descriptor; internal/index owns the refill
// state machine.
func (m *Model) AddHashIndex(className string, idx HashIndexDescriptor) error {
	c, ok := m.byName[className]
	if !ok {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "class %q not found", className)
	}
	if len(idx.Properties) == 0 || len(idx.Properties) > 4 {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "hash index %q must index 1-4 properties", idx.Name)
	}
	idx.DefiningClass = className
	c.Indexes = append(c.Indexes, idx)
	m.generation++
	return nil
}

// RemoveHashIndex deletes a declared hash index by name.
func (m *Model) RemoveHashIndex(className, idxName string) error {
	c, ok := m.byName[className]
	if !ok {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "class %q not found", className)
	}
	for i, idx := range c.Indexes {
		if idx.Name == idxName {
			c.Indexes = append(c.Indexes[:i], c.Indexes[i+1:]...)
			m.generation++
			return nil
		}
	}
	return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "hash index %q not found on %q", idxName, className)
}

// Restore rebuilds a Model from a previously-dumped set of class
// descriptors, preserving their original ids and the generation counter
// (spec §4.8: snapshot restore must reproduce the exact published schema,
// not a re-derived one with reassigned ids).
func Restore(classes []ClassDescriptor, generation uint64) *Model {
	m := &Model{
		byName: make(map[string]*ClassDescriptor, len(classes)),
		byID:   make(map[uint16]*ClassDescriptor, len(classes)),
		nextID: 1,
	}
	for _, c := range classes {
		cp := c
		m.byName[cp.Name] = &cp
		m.byID[cp.ID] = &cp
		if cp.ID >= m.nextID {
			m.nextID = cp.ID + 1
		}
	}
	m.generation = generation
	return m
}

// String is used in log lines emitted by internal/engine during schema
// promotion.
func (c *ClassDescriptor) String() string {
	return fmt.Sprintf("class %s(id=%d, abstract=%v, base=%q, props=%d, refs=%d, idx=%d)",
		c.Name, c.ID, c.Abstract, c.BaseClass, len(c.Properties), len(c.References), len(c.Indexes))
}
