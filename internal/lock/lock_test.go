package lock

import (
	"testing"

	"github.com/veloxdb/velox/internal/veloxerr"
)

func TestSharedLocksDoNotConflict(t *testing.T) {
	m := New()
	s1 := m.NewSession(1)
	s2 := m.NewSession(2)

	if err := s1.AcquireObject(10, Shared); err != nil {
		t.Fatalf("s1 shared failed: %v", err)
	}
	if err := s2.AcquireObject(10, Shared); err != nil {
		t.Fatalf("s2 shared should not conflict with s1 shared: %v", err)
	}
}

func TestExclusiveConflictsWithShared(t *testing.T) {
	m := New()
	s1 := m.NewSession(1)
	s2 := m.NewSession(2)

	if err := s1.AcquireObject(10, Shared); err != nil {
		t.Fatalf("s1 shared failed: %v", err)
	}
	if err := s2.AcquireObject(10, Exclusive); !veloxerr.Is(err, veloxerr.KindTransactionConflict) {
		t.Fatalf("expected TransactionConflict, got %v", err)
	}
}

func TestExclusiveConflictsWithExclusive(t *testing.T) {
	m := New()
	s1 := m.NewSession(1)
	s2 := m.NewSession(2)

	if err := s1.AcquireObject(5, Exclusive); err != nil {
		t.Fatalf("s1 exclusive failed: %v", err)
	}
	if err := s2.AcquireObject(5, Exclusive); !veloxerr.Is(err, veloxerr.KindTransactionConflict) {
		t.Fatalf("expected TransactionConflict, got %v", err)
	}
}

func TestSameTransactionReentrant(t *testing.T) {
	m := New()
	s1 := m.NewSession(1)

	if err := s1.AcquireObject(1, Exclusive); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := s1.AcquireObject(1, Shared); err != nil {
		t.Fatalf("same-txn shared after own exclusive should succeed: %v", err)
	}
}

func TestReleaseFreesResource(t *testing.T) {
	m := New()
	s1 := m.NewSession(1)
	s2 := m.NewSession(2)

	if err := s1.AcquireObject(1, Exclusive); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	s1.Release()

	if err := s2.AcquireObject(1, Exclusive); err != nil {
		t.Fatalf("expected lock free after release: %v", err)
	}
}

func TestDomainOrderingEnforced(t *testing.T) {
	m := New()
	s := m.NewSession(1)

	if err := s.AcquireObject(1, Shared); err != nil {
		t.Fatalf("object acquire failed: %v", err)
	}
	if err := s.AcquireClass("Person", Shared); !veloxerr.Is(err, veloxerr.KindFatal) {
		t.Fatalf("expected ordering violation acquiring class after object, got %v", err)
	}
}

func TestAcquireObjectsSortsAndRollsBackOnConflict(t *testing.T) {
	m := New()
	blocker := m.NewSession(99)
	if err := blocker.AcquireObject(5, Exclusive); err != nil {
		t.Fatalf("blocker acquire failed: %v", err)
	}

	s := m.NewSession(1)
	err := s.AcquireObjects([]uint64{10, 5, 1}, Exclusive)
	if !veloxerr.Is(err, veloxerr.KindTransactionConflict) {
		t.Fatalf("expected conflict on id 5, got %v", err)
	}

	// ids 1 and 10 should have been rolled back; another session can take them.
	other := m.NewSession(2)
	if err := other.AcquireObject(1, Exclusive); err != nil {
		t.Fatalf("expected id 1 to be free after rollback: %v", err)
	}
	if err := other.AcquireObject(10, Exclusive); err != nil {
		t.Fatalf("expected id 10 to be free after rollback: %v", err)
	}
}
