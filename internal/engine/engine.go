// Package engine wires the transactional storage engine's collaborators
// (internal/store, internal/lock, internal/version, internal/txn,
// internal/model, internal/index, internal/invref, internal/gc,
// internal/wal, internal/replicate) into one DB handle, and implements the
// control surface consumed by the CLI/admin collaborator (spec §6:
// create-log, update-assemblies, status, create-snapshot, rewind,
// fail-over).
//
// Grounded on internal/storage/db.go's DB struct — the top-level
// aggregate holding every SQL-engine collaborator behind one handle —
// generalized from a multi-tenant SQL catalog holder to the
// transactional object-database facade spec §9 calls for ("give the
// engine an explicit context parameter; allow a thin facade for callers
// that want an implicit default").
package engine

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/veloxdb/velox/internal/gc"
	"github.com/veloxdb/velox/internal/index"
	"github.com/veloxdb/velox/internal/invref"
	"github.com/veloxdb/velox/internal/lock"
	"github.com/veloxdb/velox/internal/model"
	"github.com/veloxdb/velox/internal/replicate"
	"github.com/veloxdb/velox/internal/store"
	"github.com/veloxdb/velox/internal/txn"
	"github.com/veloxdb/velox/internal/veloxerr"
	"github.com/veloxdb/velox/internal/version"
	"github.com/veloxdb/velox/internal/wal"
)

// DefaultSnapshotSchedule and DefaultGCSchedule drive the background cron
// jobs every DB starts (spec §4.7, §4.8): a GC sweep tick and a snapshot
// rotation tick, matching internal/storage/scheduler.go's CatalogJob
// cadence style.
const (
	DefaultGCSchedule       = "@every 200ms"
	DefaultSnapshotSchedule = "@every 5m"
)

// DB is one database's engine handle: every collaborator a transaction
// touches, reachable from this single value instead of package-level
// globals (spec §9).
type DB struct {
	Name string
	Dir  string

	store    *store.Store
	locks    *lock.Manager
	versions *version.Manager
	txns     *txn.Manager
	indexes  *index.Manager
	invrefs  *invref.Manager
	gcc      *gc.Collector

	mdlMu sync.RWMutex
	mdl   *model.Model

	persMu    sync.RWMutex
	persister *wal.Persister
	logs      []*wal.DualLog
	logPaths  []string

	replicator *replicate.Replicator

	snapMu       sync.Mutex
	snapPathA    string
	snapPathB    string
	snapCron     *cron.Cron
	lastSnapshot uint64

	stats Stats

	// txnRegistry maps an in-flight internal/txn.Txn id back to the
	// engine.Txn wrapping it, so the commit-time Validator hook (spec
	// §4.5) can reach the staged hash-index writes and deferred
	// reference checks that only engine.Txn knows about.
	txnRegistry sync.Map
}

// Stats exposes commit-fence metrics (spec §9 supplement "Commit-fence
// metrics"), the way internal/storage/concurrency.go's ConcurrencyStats
// exposes atomic counters, used by Status.
type Stats struct {
	commitsApplied   atomic.Uint64
	conflicts        atomic.Uint64
	integrityFailure atomic.Uint64
}

func (s *Stats) recordCommit()           { s.commitsApplied.Add(1) }
func (s *Stats) recordConflict()         { s.conflicts.Add(1) }
func (s *Stats) recordIntegrityFailure() { s.integrityFailure.Add(1) }

// New returns a fresh, empty DB named name, rooted at dir for its WAL and
// snapshot files. It starts with an empty model and no configured log
// streams; callers (cmd/veloxd) call CreateLog before accepting write
// transactions so commits have somewhere durable to land.
func New(name, dir string) *DB {
	st := store.New()
	lm := lock.New()
	vm := version.New()
	mdl := model.NewModel()

	db := &DB{
		Name:      name,
		Dir:       dir,
		store:     st,
		locks:     lm,
		versions:  vm,
		mdl:       mdl,
		indexes:   index.NewManager(),
		invrefs:   invref.New(),
		snapPathA: filepath.Join(dir, name+".snapshot.a"),
		snapPathB: filepath.Join(dir, name+".snapshot.b"),
	}
	db.gcc = gc.New(st, vm)
	db.txns = txn.NewManager(st, lm, vm, mdl)
	db.txns.SetValidator(db.validateCommit)
	db.replicator = replicate.New(name, name, vm)
	return db
}

// validateCommit is internal/txn's pluggable pre-commit integrity hook
// (spec §4.5), wired in at construction so the deferred reference and
// hash-index checks Create/Update/Delete queue on engine.Txn actually run
// at the Committing transition instead of staying dead infrastructure.
func (db *DB) validateCommit(it *txn.Txn) error {
	v, ok := db.txnRegistry.Load(it.ID())
	if !ok {
		return veloxerr.Newf(veloxerr.KindFatal, "no engine transaction registered for txn %d", it.ID())
	}
	return v.(*Txn).validate()
}

// Model returns the currently published model.
func (db *DB) Model() *model.Model {
	db.mdlMu.RLock()
	defer db.mdlMu.RUnlock()
	return db.mdl
}

// Start begins the background GC sweep and snapshot rotation schedules
// (spec §4.7, §4.8).
func (db *DB) Start() error {
	if err := db.gcc.Start(DefaultGCSchedule); err != nil {
		return fmt.Errorf("start gc schedule: %w", err)
	}
	db.snapMu.Lock()
	defer db.snapMu.Unlock()
	sched := cron.New()
	if _, err := sched.AddFunc(DefaultSnapshotSchedule, func() { _ = db.CreateSnapshot() }); err != nil {
		db.gcc.Stop()
		return fmt.Errorf("start snapshot schedule: %w", err)
	}
	sched.Start()
	db.snapCron = sched
	return nil
}

// Stop halts every background schedule, stops the WAL persister, and
// closes the log files.
func (db *DB) Stop() {
	db.gcc.Stop()
	db.snapMu.Lock()
	if db.snapCron != nil {
		db.snapCron.Stop()
		db.snapCron = nil
	}
	db.snapMu.Unlock()

	db.persMu.Lock()
	if db.persister != nil {
		db.persister.Close()
		db.persister = nil
	}
	for _, lf := range db.logs {
		lf.Close()
	}
	db.logs = nil
	db.persMu.Unlock()
}

// Replicator exposes the replication facade so cmd/veloxd can register it
// as a gRPC service and drive fail-over.
func (db *DB) Replicator() *replicate.Replicator { return db.replicator }

// Versions exposes the version manager for callers that need its raw
// counters beyond what Status reports.
func (db *DB) Versions() *version.Manager { return db.versions }

func (db *DB) checkAdmission(readOnly bool) error {
	if readOnly {
		return db.replicator.CheckReadAdmission()
	}
	return db.replicator.CheckWriteAdmission()
}

// ErrClassNotFound is returned by control-surface operations that take a
// class name not present in the current model.
var ErrClassNotFound = veloxerr.New(veloxerr.KindSchemaIncompatible, "class not found")
