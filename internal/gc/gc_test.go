package gc

import (
	"testing"

	"github.com/veloxdb/velox/internal/model"
	"github.com/veloxdb/velox/internal/store"
	"github.com/veloxdb/velox/internal/version"
)

func newPersonStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New()
	st.EnsureClass(&model.ClassDescriptor{Name: "Person"})
	return st
}

func TestDrainRetainsVersionHeldByActiveReader(t *testing.T) {
	st := newPersonStore(t)
	vm := version.New()

	view := store.TxnView{TxnID: 1, ReadVersion: 0}
	id, _ := st.Create(view, "Person", map[string]any{"name": "v1"}, nil)
	st.Commit(1, 1)
	vm.Publish(1)

	// Reader starts here and holds the watermark at version 1 for the
	// rest of the test.
	readerView := store.TxnView{TxnID: 99, ReadVersion: vm.BeginRead(99)}

	for i, v := range []string{"v2", "v3"} {
		tx := store.TxnView{TxnID: uint64(2 + i), ReadVersion: uint64(1 + i)}
		st.Update(tx, "Person", id, map[string]any{"name": v}, nil)
		st.Commit(tx.TxnID, uint64(2+i))
		vm.Publish(uint64(2 + i))
	}

	c := New(st, vm)
	c.Enqueue("Person", id)
	c.Drain()

	rv, err := st.Read(readerView, "Person", id)
	if err != nil || rv == nil {
		t.Fatalf("expected the long-lived reader's version still readable after Drain, got %#v err=%v", rv, err)
	}
	if rv.Values["name"] != "v1" {
		t.Fatalf("expected the reader's original version v1 preserved, got %v", rv.Values["name"])
	}
}

func TestDrainProcessesQueueSynchronously(t *testing.T) {
	st := newPersonStore(t)
	vm := version.New()

	view := store.TxnView{TxnID: 1, ReadVersion: 0}
	id, _ := st.Create(view, "Person", map[string]any{"name": "v1"}, nil)
	st.Commit(1, 1)
	vm.Publish(1)

	tx := store.TxnView{TxnID: 2, ReadVersion: 1}
	st.Update(tx, "Person", id, map[string]any{"name": "v2"}, nil)
	st.Commit(2, 2)
	vm.Publish(2)

	tx2 := store.TxnView{TxnID: 3, ReadVersion: 2}
	st.Update(tx2, "Person", id, map[string]any{"name": "v3"}, nil)
	st.Commit(3, 3)
	vm.Publish(3)

	c := New(st, vm)
	c.Enqueue("Person", id)

	freed := c.Drain()
	if freed == 0 {
		t.Fatalf("expected at least one version freed with no active readers")
	}
}

func TestEnqueueWithoutDrainLeavesChainIntact(t *testing.T) {
	st := newPersonStore(t)
	vm := version.New()
	c := New(st, vm)

	view := store.TxnView{TxnID: 1, ReadVersion: 0}
	id, _ := st.Create(view, "Person", map[string]any{"name": "v1"}, nil)
	st.Commit(1, 1)
	vm.Publish(1)
	c.Enqueue("Person", id)

	reader := store.TxnView{TxnID: 2, ReadVersion: 1}
	rv, err := st.Read(reader, "Person", id)
	if err != nil || rv == nil {
		t.Fatalf("expected record still readable before a Drain runs, got %#v err=%v", rv, err)
	}
}
