package engine

import (
	"context"
	"time"

	"github.com/veloxdb/velox/internal/replicate"
	"github.com/veloxdb/velox/internal/wal"
)

// CreateLog adds a persistent log stream at path (spec §6: control
// surface "create-log"). Every configured log must acknowledge a commit
// before it durably returns (spec §4.8); adding a second log widens that
// fan-out. window and maxBatch tune group-commit batching; zero values
// fall back to wal.DefaultGroupCommitWindow / DefaultGroupCommitMaxBatch.
func (db *DB) CreateLog(path string, window time.Duration, maxBatch int) error {
	lf, err := wal.OpenDualLog(path)
	if err != nil {
		return err
	}

	db.persMu.Lock()
	defer db.persMu.Unlock()

	if db.persister != nil {
		db.persister.Close()
	}
	db.logs = append(db.logs, lf)
	db.logPaths = append(db.logPaths, path)
	db.persister = wal.NewPersister(db.logs, window, maxBatch)
	db.txns.SetPersister(db.persister.Persist)
	return nil
}

// Status is the structured per-database report the admin surface exposes
// (spec §6: control surface "status").
type Status struct {
	Name             string
	CurrentVersion   uint64
	CurrentTerm      uint64
	Role             string
	CommitsApplied   uint64
	Conflicts        uint64
	IntegrityFailure uint64
	LastSnapshot     uint64
	LogCount         int
}

// Status reports the database's current health and position.
func (db *DB) Status() Status {
	db.persMu.RLock()
	logCount := len(db.logs)
	db.persMu.RUnlock()
	db.snapMu.Lock()
	lastSnapshot := db.lastSnapshot
	db.snapMu.Unlock()
	return Status{
		Name:             db.Name,
		CurrentVersion:   db.versions.CurrentVersion(),
		CurrentTerm:      db.versions.CurrentTerm(),
		Role:             db.replicator.Role().String(),
		CommitsApplied:   db.stats.commitsApplied.Load(),
		Conflicts:        db.stats.conflicts.Load(),
		IntegrityFailure: db.stats.integrityFailure.Load(),
		LastSnapshot:     lastSnapshot,
		LogCount:         logCount,
	}
}

// ConfigureReplication wires this database into a replication pair (spec
// §4.10): commits are forwarded to peerAddr under mode, changesets the
// peer ships here are applied via db.applyChangeset, and this node's own
// log range is exposed as an AlignmentSource so it can answer alignment
// requests from a reconnecting peer.
func (db *DB) ConfigureReplication(peerAddr string, mode replicate.Mode, startSeq uint64) {
	db.replicator.ConfigurePeer(peerAddr, mode, db.applyChangeset, startSeq)
	db.replicator.SetAlignmentSource(db.newAlignmentSource())
}

// SetElector installs the elector this database consults for write/read
// admission and fail-over (spec §4.10).
func (db *DB) SetElector(e *replicate.Elector) { db.replicator.SetElector(e) }

// Rewind resets the database to a prior commit version V (spec §4.6,
// control surface "rewind"): every version chain entry committed after V
// becomes unreachable, the version manager's counters reset to V, and
// derived state (indexes, inverse edges) is rebuilt from the rewound
// store so it never reflects a version beyond V. Callers are responsible
// for ensuring no transaction is active across the rewind; a production
// caller (cmd/veloxctl) drains in-flight work first.
func (db *DB) Rewind(v uint64) error {
	db.snapMu.Lock()
	defer db.snapMu.Unlock()

	db.versions.RewindTo(v)
	db.store.TruncateAbove(v)
	return db.rebuildDerivedState()
}

// FailOver promotes this node to primary for a new term (spec §4.10,
// control surface "fail-over"), rewinding any uncommitted-ahead state
// back to the last confirmed common version before requesting
// promotion from the witness.
func (db *DB) FailOver(ctx context.Context, peerCandidate replicate.Candidate, commonVersion uint64) error {
	return db.replicator.Failover(ctx, peerCandidate, commonVersion, func(v uint64) {
		_ = db.Rewind(v)
	})
}
