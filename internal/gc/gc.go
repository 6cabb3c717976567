// Package gc implements the garbage collector of spec §4.7: a background
// cooperative sweep over per-class reclamation queues populated by
// committers, trimming version chains below the oldest active read
// version without ever blocking a committer, plus a synchronous Drain
// used during schema updates and restart.
//
// Grounded on internal/storage/mvcc.go's MVCCTable.GarbageCollect chain
// walk (the free-below-watermark logic itself lives in
// internal/store.Reclaim, which owns the chain structure), wired to a
// periodic sweep via github.com/robfig/cron/v3 the same way
// internal/storage/scheduler.go's Scheduler drives CatalogJobs —
// generalized from per-statement SQL jobs to one fixed internal sweep
// job.
package gc

import (
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/veloxdb/velox/internal/store"
	"github.com/veloxdb/velox/internal/version"
)

// Collector owns the reclamation queues and drives sweeps against a
// store under a version manager's watermark.
type Collector struct {
	store    *store.Store
	versions *version.Manager

	mu    sync.Mutex
	queue map[string]map[uint64]struct{} // class -> pending object ids

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New returns a Collector with an empty queue.
func New(st *store.Store, vm *version.Manager) *Collector {
	return &Collector{store: st, versions: vm, queue: make(map[string]map[uint64]struct{})}
}

// Enqueue marks (class, id) as a reclamation candidate. Committers call
// this for every object they touched once their commit is durable; it
// never blocks (spec §4.7: "it never blocks committers").
func (c *Collector) Enqueue(class string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.queue[class]
	if !ok {
		set = make(map[uint64]struct{})
		c.queue[class] = set
	}
	set[id] = struct{}{}
}

func (c *Collector) snapshot() map[string][]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]uint64, len(c.queue))
	for class, ids := range c.queue {
		list := make([]uint64, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		out[class] = list
	}
	c.queue = make(map[string]map[uint64]struct{})
	return out
}

// sweepOnce drains the current queue snapshot and reclaims every entry
// against the current watermark, returning the number of versions freed.
// Entries still above the watermark are simply not freed this pass; they
// are not re-enqueued here because the next commit against that object
// (or the next scheduled sweep picking up a fresher Enqueue) will.
func (c *Collector) sweepOnce() int {
	watermark := c.versions.OldestActiveReadVersion()
	freed := 0
	for class, ids := range c.snapshot() {
		for _, id := range ids {
			freed += c.store.Reclaim(class, id, watermark)
		}
	}
	return freed
}

// Drain synchronously processes the entire current queue (spec §4.9 step
// 2: "drain GC" before a schema promotion; also used to bound memory
// before a restart's index rebuild).
func (c *Collector) Drain() int {
	return c.sweepOnce()
}

// Start begins periodic background sweeps on the given cron schedule
// (e.g. "@every 200ms"). Calling Start twice replaces the prior schedule.
func (c *Collector) Start(spec string) error {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if c.cron != nil {
		c.cron.Stop()
	}
	sched := cron.New()
	if _, err := sched.AddFunc(spec, func() { c.sweepOnce() }); err != nil {
		return err
	}
	sched.Start()
	c.cron = sched
	return nil
}

// Stop halts the background sweep schedule, if one is running.
func (c *Collector) Stop() {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
	}
}
