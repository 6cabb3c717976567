package wal

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veloxdb/velox/internal/changeset"
)

// DefaultGroupCommitWindow and DefaultGroupCommitMaxBatch are the
// defaults resolved in the spec's Open Question on group-commit tuning:
// a small fixed window, or a batch-size threshold, whichever triggers
// first (spec §4.8).
const (
	DefaultGroupCommitWindow   = 2 * time.Millisecond
	DefaultGroupCommitMaxBatch = 256
)

type pendingWrite struct {
	frame Frame
	done  chan error
}

// Persister batches committers arriving within a window (or until a
// batch-size threshold) into one append+fsync per configured log stream,
// satisfying spec §4.8's durability contract: a committer's return means
// its changeset is durable on every configured log.
//
// Grounded on internal/storage/concurrency.go's BatchProcessor
// (ticker-or-threshold batching over a channel), adapted from batched SQL
// statement execution to batched WAL appends.
type Persister struct {
	logs     []*DualLog
	window   time.Duration
	maxBatch int
	nextSeq  atomic.Uint64

	pending chan pendingWrite
	stopCh  chan struct{}
	stopped sync.Once
}

// NewPersister starts a group-commit loop over logs (all of which must
// ack before Persist returns — spec §4.8: "Multiple logs ... all logs
// must acknowledge before a commit returns").
func NewPersister(logs []*DualLog, window time.Duration, maxBatch int) *Persister {
	if window <= 0 {
		window = DefaultGroupCommitWindow
	}
	if maxBatch <= 0 {
		maxBatch = DefaultGroupCommitMaxBatch
	}
	p := &Persister{
		logs:     logs,
		window:   window,
		maxBatch: maxBatch,
		pending:  make(chan pendingWrite, maxBatch*4),
		stopCh:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Persist encodes cs, assigns it the next log sequence number, and
// blocks until the group-commit loop has durably written it to every
// configured log. It is the hook wired into internal/txn.Manager via
// SetPersister.
func (p *Persister) Persist(cs changeset.Set) error {
	payload, err := changeset.Encode(cs)
	if err != nil {
		return err
	}
	seq := p.nextSeq.Add(1)
	done := make(chan error, 1)
	p.pending <- pendingWrite{frame: Frame{Sequence: seq, CommitVersion: cs.CommitVersion, Payload: payload}, done: done}
	return <-done
}

func (p *Persister) run() {
	var batch []pendingWrite
	timer := time.NewTimer(p.window)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := p.writeBatch(batch)
		// Committers wake in commit-version order (spec §5): batch was
		// sorted by writeBatch before any frame was appended.
		for _, req := range batch {
			req.done <- err
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-p.stopCh:
			flush()
			return
		case req := <-p.pending:
			batch = append(batch, req)
			if len(batch) >= p.maxBatch {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(p.window)
			}
		case <-timer.C:
			flush()
			timer.Reset(p.window)
		}
	}
}

func (p *Persister) writeBatch(batch []pendingWrite) error {
	sort.Slice(batch, func(i, j int) bool { return batch[i].frame.CommitVersion < batch[j].frame.CommitVersion })
	for _, log := range p.logs {
		for _, req := range batch {
			if err := log.Append(req.frame); err != nil {
				return err
			}
		}
	}
	for _, log := range p.logs {
		if err := log.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the group-commit loop, flushing anything already queued.
// The log files stay open: they belong to the caller, which may hand the
// same files to a replacement Persister (internal/engine does exactly
// that when a log stream is added).
func (p *Persister) Close() {
	p.stopped.Do(func() { close(p.stopCh) })
}

// Restore recovers a starting point for the engine (spec §4.8): it picks
// the newest valid snapshot by header integrity and version, then reads
// every frame with a commit version above it from the primary log. A torn
// trailing frame is reported via torn, not err; restore simply stops
// there.
func Restore(primary *DualLog, snapPathA, snapPathB string) (baseVersion uint64, frames []Frame, torn bool, err error) {
	snap, ok := PickLatestValid(snapPathA, snapPathB)
	if ok {
		baseVersion = snap.CommitVersion
	}

	all, wasTorn, err := primary.ReadFrames()
	if err != nil {
		return 0, nil, false, err
	}

	kept := make([]Frame, 0, len(all))
	for _, f := range all {
		if f.CommitVersion > baseVersion {
			kept = append(kept, f)
		}
	}
	return baseVersion, kept, wasTorn, nil
}
