package replicate

import (
	"context"
	"testing"

	"github.com/veloxdb/velox/internal/changeset"
	"github.com/veloxdb/velox/internal/veloxerr"
)

func TestCandidateDominates(t *testing.T) {
	a := Candidate{NodeID: "a", Term: 2, Version: 5}
	b := Candidate{NodeID: "b", Term: 2, Version: 3}
	if !a.Dominates(b) {
		t.Fatalf("expected a to dominate b (same term, higher version)")
	}
	if b.Dominates(a) {
		t.Fatalf("expected b to not dominate a")
	}
	c := Candidate{NodeID: "c", Term: 3, Version: 0}
	if !c.Dominates(a) {
		t.Fatalf("expected later term to dominate regardless of version")
	}
}

type fakeWitness struct {
	granted map[string]uint64
}

func newFakeWitness() *fakeWitness { return &fakeWitness{granted: make(map[string]uint64)} }

func (f *fakeWitness) Grant(_ context.Context, db string, c Candidate) (bool, uint64, error) {
	if c.Term <= f.granted[db] {
		return false, f.granted[db], nil
	}
	f.granted[db] = c.Term
	return true, c.Term, nil
}

func TestElectorTryPromote(t *testing.T) {
	w := newFakeWitness()
	e := NewElector("db1", "node-a", w, RoleStandby)
	local := Candidate{NodeID: "node-a", Term: 1, Version: 10}
	peer := Candidate{NodeID: "node-b", Term: 1, Version: 8}

	if err := e.TryPromote(context.Background(), local, peer); err != nil {
		t.Fatalf("TryPromote failed: %v", err)
	}
	if e.Role() != RolePrimary {
		t.Fatalf("expected RolePrimary, got %s", e.Role())
	}
}

func TestElectorTryPromoteDominatedByPeer(t *testing.T) {
	w := newFakeWitness()
	e := NewElector("db1", "node-a", w, RoleStandby)
	local := Candidate{NodeID: "node-a", Term: 1, Version: 5}
	peer := Candidate{NodeID: "node-b", Term: 4, Version: 5}

	err := e.TryPromote(context.Background(), local, peer)
	if !veloxerr.Is(err, veloxerr.KindUnavailable) {
		t.Fatalf("expected Unavailable when dominated by peer, got %v", err)
	}
	if e.Role() == RolePrimary {
		t.Fatalf("should not have promoted")
	}
}

func TestApplierAppliesInOrderAndBuffersGaps(t *testing.T) {
	var applied []uint64
	apply := func(cs changeset.Set) error {
		applied = append(applied, cs.CommitVersion)
		return nil
	}
	a := NewApplier(apply, 1, nil)

	payload, err := changeset.Encode(changeset.Set{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Sequence 3 arrives before 1 and 2: it should buffer, not apply.
	if err := a.Submit(3, 103, payload); err != nil {
		t.Fatalf("Submit(3) failed: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied yet, got %v", applied)
	}

	if err := a.Submit(1, 101, payload); err != nil {
		t.Fatalf("Submit(1) failed: %v", err)
	}
	if err := a.Submit(2, 102, payload); err != nil {
		t.Fatalf("Submit(2) failed: %v", err)
	}

	if len(applied) != 3 || applied[0] != 101 || applied[1] != 102 || applied[2] != 103 {
		t.Fatalf("expected in-order apply of [101 102 103], got %v", applied)
	}
	if a.NextSequence() != 4 {
		t.Fatalf("expected next sequence 4, got %d", a.NextSequence())
	}
}

func TestApplierDropsDuplicateSequence(t *testing.T) {
	count := 0
	apply := func(changeset.Set) error { count++; return nil }
	a := NewApplier(apply, 1, nil)
	payload, _ := changeset.Encode(changeset.Set{})

	if err := a.Submit(1, 1, payload); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := a.Submit(1, 1, payload); err != nil {
		t.Fatalf("duplicate Submit should be a no-op, got error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one apply, got %d", count)
	}
}

func TestReplicatorWriteAdmission(t *testing.T) {
	r := New("db1", "node-a", nil)
	if err := r.CheckWriteAdmission(); err != nil {
		t.Fatalf("standalone should allow writes: %v", err)
	}

	w := newFakeWitness()
	e := NewElector("db1", "node-a", w, RoleStandby)
	r.SetElector(e)
	if err := r.CheckWriteAdmission(); !veloxerr.Is(err, veloxerr.KindTransactionNotAllowed) {
		t.Fatalf("standby should reject writes, got %v", err)
	}

	e.BeginAlignment()
	if err := r.CheckReadAdmission(); !veloxerr.Is(err, veloxerr.KindTransactionNotAllowed) {
		t.Fatalf("aligning node should reject reads, got %v", err)
	}
}
