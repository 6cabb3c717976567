package invref

import (
	"testing"

	"github.com/veloxdb/velox/internal/model"
	"github.com/veloxdb/velox/internal/veloxerr"
)

func buildModel(t *testing.T, policy model.DeletePolicy) *model.Model {
	t.Helper()
	mdl := model.NewModel()
	if _, err := mdl.AddClass(model.ClassDescriptor{Name: "Team"}); err != nil {
		t.Fatalf("AddClass Team failed: %v", err)
	}
	if _, err := mdl.AddClass(model.ClassDescriptor{Name: "Person"}); err != nil {
		t.Fatalf("AddClass Person failed: %v", err)
	}
	if err := mdl.AddReference("Person", model.ReferenceDescriptor{
		Name: "team", TargetClass: "Team", Tracked: true, DeletePolicy: policy,
	}); err != nil {
		t.Fatalf("AddReference failed: %v", err)
	}
	return mdl
}

func TestAddEdgeThenEdgesReturnsIt(t *testing.T) {
	m := New()
	m.AddEdge(100, "Person", 1, "team")
	edges := m.Edges(100)
	if len(edges) != 1 || edges[0].SourceID != 1 {
		t.Fatalf("unexpected edges: %#v", edges)
	}
}

func TestRemoveEdgeClearsEntry(t *testing.T) {
	m := New()
	m.AddEdge(100, "Person", 1, "team")
	m.RemoveEdge(100, "Person", 1, "team")
	if edges := m.Edges(100); len(edges) != 0 {
		t.Fatalf("expected no edges after remove, got %#v", edges)
	}
}

func TestRemoveEdgeDecrementsMultiplicity(t *testing.T) {
	m := New()
	m.AddEdge(100, "Person", 1, "team")
	m.AddEdge(100, "Person", 1, "team")
	m.RemoveEdge(100, "Person", 1, "team")
	edges := m.Edges(100)
	if len(edges) != 1 || edges[0].Count != 1 {
		t.Fatalf("expected multiplicity 1 remaining, got %#v", edges)
	}
}

func TestPlanPreventDeleteRejectsDelete(t *testing.T) {
	mdl := buildModel(t, model.PreventDelete)
	m := New()
	m.AddEdge(100, "Person", 1, "team")

	_, err := m.Plan(mdl, "Team", 100)
	if !veloxerr.Is(err, veloxerr.KindReferentialIntegrityViolation) {
		t.Fatalf("expected ReferentialIntegrityViolation, got %v", err)
	}
}

func TestPlanCascadeDeleteProducesAction(t *testing.T) {
	mdl := buildModel(t, model.CascadeDelete)
	m := New()
	m.AddEdge(100, "Person", 1, "team")

	actions, err := m.Plan(mdl, "Team", 100)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != ActionCascadeDelete || actions[0].ID != 1 {
		t.Fatalf("unexpected actions: %#v", actions)
	}
}

func TestPlanSetToNullProducesAction(t *testing.T) {
	mdl := buildModel(t, model.SetToNull)
	m := New()
	m.AddEdge(100, "Person", 1, "team")

	actions, err := m.Plan(mdl, "Team", 100)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != ActionSetNull || actions[0].RefName != "team" || actions[0].TargetID != 100 {
		t.Fatalf("unexpected actions: %#v", actions)
	}
}

func TestPlanDiamondCascadeVisitsOnce(t *testing.T) {
	mdl := model.NewModel()
	mdl.AddClass(model.ClassDescriptor{Name: "Root"})
	mdl.AddClass(model.ClassDescriptor{Name: "Mid"})
	mdl.AddClass(model.ClassDescriptor{Name: "Leaf"})
	mdl.AddReference("Mid", model.ReferenceDescriptor{Name: "root", TargetClass: "Root", Tracked: true, DeletePolicy: model.CascadeDelete})
	mdl.AddReference("Leaf", model.ReferenceDescriptor{Name: "mid", TargetClass: "Mid", Tracked: true, DeletePolicy: model.CascadeDelete})

	m := New()
	// Two Mid records both point at Root 1; both Mid records are pointed
	// at by the same Leaf record, forming a diamond back down to Leaf.
	m.AddEdge(1, "Mid", 10, "root")
	m.AddEdge(1, "Mid", 11, "root")
	m.AddEdge(10, "Leaf", 100, "mid")
	m.AddEdge(11, "Leaf", 100, "mid")

	actions, err := m.Plan(mdl, "Root", 1)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	leafDeletes := 0
	for _, a := range actions {
		if a.Class == "Leaf" && a.ID == 100 {
			leafDeletes++
		}
	}
	if leafDeletes != 1 {
		t.Fatalf("expected Leaf#100 to be cascaded exactly once, got %d times in %#v", leafDeletes, actions)
	}
}
