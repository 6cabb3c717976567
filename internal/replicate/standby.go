package replicate

import (
	"sort"
	"sync"

	"github.com/veloxdb/velox/internal/changeset"
	"github.com/veloxdb/velox/internal/veloxerr"
)

// maxBufferedGap bounds how many out-of-sequence frames the standby will
// hold before declaring the gap unclosable and asking for alignment (spec
// §4.10: "out-of-order frames are buffered or, if the gap cannot be
// closed, trigger an alignment protocol").
const maxBufferedGap = 4096

// ApplyFunc applies one already-decoded changeset to the local store,
// bypassing the normal transaction/lock path (a standby apply is not a
// new transaction; it replays a peer's already-committed one).
// internal/engine supplies the concrete implementation.
type ApplyFunc func(changeset.Set) error

// Applier applies changesets shipped by a primary strictly in sequence
// (spec §4.10: "A standby applies changesets strictly in sequence").
//
// Grounded on internal/storage/wal_advanced.go's sequential-replay style
// (the same ordering discipline the WAL restore path uses), adapted from
// local-log replay to network-shipped frame replay with a gap buffer.
type Applier struct {
	apply ApplyFunc

	mu       sync.Mutex
	nextSeq  uint64
	buffered map[uint64]bufferedFrame

	onGap func(nextSeq uint64)
}

type bufferedFrame struct {
	commitVersion uint64
	payload       []byte
}

// NewApplier returns an Applier expecting the first submitted sequence to
// be startSeq. onGap, if non-nil, is invoked on its own goroutine when
// the buffered gap grows past maxBufferedGap; the caller is expected to drive the alignment
// protocol (PeerClient.RequestAlignment) in response.
func NewApplier(apply ApplyFunc, startSeq uint64, onGap func(nextSeq uint64)) *Applier {
	return &Applier{apply: apply, nextSeq: startSeq, buffered: make(map[uint64]bufferedFrame), onGap: onGap}
}

// NextSequence reports the next sequence number the Applier expects.
func (a *Applier) NextSequence() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextSeq
}

// Submit offers one shipped frame. If seq is the next expected sequence,
// it (and any now-contiguous buffered frames) are applied immediately. If
// seq is ahead of expectation, it is buffered. If seq is behind (a
// retransmit or duplicate), it is silently dropped.
func (a *Applier) Submit(seq, commitVersion uint64, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if seq < a.nextSeq {
		return nil // already applied; duplicate delivery
	}
	if seq > a.nextSeq {
		a.buffered[seq] = bufferedFrame{commitVersion: commitVersion, payload: payload}
		if len(a.buffered) > maxBufferedGap {
			if a.onGap != nil {
				go a.onGap(a.nextSeq)
			}
		}
		return nil
	}

	if err := a.applyOne(commitVersion, payload); err != nil {
		return err
	}
	a.nextSeq++
	a.drainBuffered()
	return nil
}

func (a *Applier) drainBuffered() {
	for {
		f, ok := a.buffered[a.nextSeq]
		if !ok {
			return
		}
		delete(a.buffered, a.nextSeq)
		if err := a.applyOne(f.commitVersion, f.payload); err != nil {
			// A corrupt buffered frame cannot be silently skipped: it is
			// put back at its sequence and draining stops there. The chain
			// stays stalled until a retransmit of that sequence arrives or
			// the buffer grows past maxBufferedGap and the gap callback
			// starts alignment.
			a.buffered[a.nextSeq] = f
			return
		}
		a.nextSeq++
	}
}

func (a *Applier) applyOne(commitVersion uint64, payload []byte) error {
	cs, err := changeset.Decode(payload)
	if err != nil {
		return err
	}
	cs.CommitVersion = commitVersion
	return a.apply(cs)
}

// ApplyAlignmentOps applies a catch-up batch returned by
// PeerClient.RequestAlignment, in order, and fast-forwards the expected
// sequence past them (spec §4.10: "ships the missing range of the log").
// Synthetic alignment-delete ops are applied the same way as ordinary
// ones; ApplyFunc doesn't need to distinguish them.
func (a *Applier) ApplyAlignmentOps(ops []AlignmentOp) error {
	sorted := append([]AlignmentOp(nil), ops...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, op := range sorted {
		if op.Sequence < a.nextSeq {
			continue
		}
		if err := a.applyOne(op.CommitVersion, op.Payload); err != nil {
			return veloxerr.Wrap(veloxerr.KindChangesetCorrupted, "alignment op replay failed", err)
		}
		a.nextSeq = op.Sequence + 1
	}
	a.drainBuffered()
	return nil
}
