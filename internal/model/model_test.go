package model

import (
	"testing"

	"github.com/veloxdb/velox/internal/veloxerr"
)

func TestAddClassAndSubclass(t *testing.T) {
	m := NewModel()

	if _, err := m.AddClass(ClassDescriptor{Name: "Person", Abstract: true}); err != nil {
		t.Fatalf("AddClass(Person) failed: %v", err)
	}
	cust, err := m.AddClass(ClassDescriptor{
		Name:      "Customer",
		BaseClass: "Person",
		Properties: []PropertyDescriptor{
			{Name: "name", Type: PropString},
		},
	})
	if err != nil {
		t.Fatalf("AddClass(Customer) failed: %v", err)
	}
	if cust.ID == 0 {
		t.Fatalf("expected non-zero class id")
	}
	if !m.IsSubclassOf("Customer", "Person") {
		t.Fatalf("Customer should be a subclass of Person")
	}
	if m.IsSubclassOf("Person", "Customer") {
		t.Fatalf("Person should not be a subclass of Customer")
	}
}

func TestAddClassDuplicateRejected(t *testing.T) {
	m := NewModel()
	if _, err := m.AddClass(ClassDescriptor{Name: "Order"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.AddClass(ClassDescriptor{Name: "Order"}); !veloxerr.Is(err, veloxerr.KindSchemaIncompatible) {
		t.Fatalf("expected SchemaIncompatible, got %v", err)
	}
}

func TestRemoveClassWithSubclassRejected(t *testing.T) {
	m := NewModel()
	m.AddClass(ClassDescriptor{Name: "Base"})
	m.AddClass(ClassDescriptor{Name: "Derived", BaseClass: "Base"})

	if err := m.RemoveClass("Base"); !veloxerr.Is(err, veloxerr.KindSchemaIncompatible) {
		t.Fatalf("expected SchemaIncompatible removing base with live subclass, got %v", err)
	}
	if err := m.RemoveClass("Derived"); err != nil {
		t.Fatalf("RemoveClass(Derived) failed: %v", err)
	}
	if err := m.RemoveClass("Base"); err != nil {
		t.Fatalf("RemoveClass(Base) failed after subclass gone: %v", err)
	}
}

func TestRetypePropertyWidening(t *testing.T) {
	m := NewModel()
	m.AddClass(ClassDescriptor{Name: "Item", Properties: []PropertyDescriptor{
		{Name: "qty", Type: PropInt32},
	}})

	if err := m.RetypeProperty("Item", "qty", PropInt64); err != nil {
		t.Fatalf("widen int32->int64 should be allowed: %v", err)
	}
	c, _ := m.Class("Item")
	p, _ := c.Property("qty")
	if p.Type != PropInt64 {
		t.Fatalf("expected qty to be int64, got %s", p.Type)
	}

	if err := m.RetypeProperty("Item", "qty", PropString); !veloxerr.Is(err, veloxerr.KindSchemaIncompatible) {
		t.Fatalf("expected SchemaIncompatible narrowing to string, got %v", err)
	}
}

func TestAddReferenceRequiresTargetClass(t *testing.T) {
	m := NewModel()
	m.AddClass(ClassDescriptor{Name: "Order"})

	err := m.AddReference("Order", ReferenceDescriptor{Name: "customer", TargetClass: "Customer"})
	if !veloxerr.Is(err, veloxerr.KindSchemaIncompatible) {
		t.Fatalf("expected SchemaIncompatible for missing target class, got %v", err)
	}

	m.AddClass(ClassDescriptor{Name: "Customer"})
	if err := m.AddReference("Order", ReferenceDescriptor{Name: "customer", TargetClass: "Customer", DeletePolicy: PreventDelete}); err != nil {
		t.Fatalf("AddReference failed: %v", err)
	}
	c, _ := m.Class("Order")
	if _, ok := c.Reference("customer"); !ok {
		t.Fatalf("expected reference 'customer' to be present")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := NewModel()
	m.AddClass(ClassDescriptor{Name: "A", Properties: []PropertyDescriptor{{Name: "x", Type: PropInt32}}})

	clone := m.Clone()
	if err := clone.AddProperty("A", PropertyDescriptor{Name: "y", Type: PropInt32}); err != nil {
		t.Fatalf("AddProperty on clone failed: %v", err)
	}

	orig, _ := m.Class("A")
	if _, ok := orig.Property("y"); ok {
		t.Fatalf("mutating clone should not affect original model")
	}
	cloned, _ := clone.Class("A")
	if _, ok := cloned.Property("y"); !ok {
		t.Fatalf("expected clone to carry new property")
	}
}

func TestHashIndexPropertyCountBounds(t *testing.T) {
	m := NewModel()
	m.AddClass(ClassDescriptor{Name: "Person", Properties: []PropertyDescriptor{{Name: "userName", Type: PropString}}})

	if err := m.AddHashIndex("Person", HashIndexDescriptor{Name: "byName", Properties: nil}); !veloxerr.Is(err, veloxerr.KindSchemaIncompatible) {
		t.Fatalf("expected SchemaIncompatible for 0 properties, got %v", err)
	}
	if err := m.AddHashIndex("Person", HashIndexDescriptor{Name: "byUserName", Properties: []string{"userName"}, Unique: true}); err != nil {
		t.Fatalf("AddHashIndex failed: %v", err)
	}
}
