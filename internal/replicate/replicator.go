package replicate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/veloxdb/velox/internal/changeset"
	"github.com/veloxdb/velox/internal/veloxerr"
	"github.com/veloxdb/velox/internal/version"
)

// Mode governs whether Forward waits for the peer's ack before returning
// (spec §4.10: "Synchronous replication waits for peer ack before the
// committer returns. Asynchronous modes return after local durability").
type Mode uint8

const (
	Async Mode = iota
	Sync
)

// Replicator is the top-level facade for spec §4.10: it forwards
// committed changesets to a configured peer under the given Mode, serves
// Ship/Align RPCs on behalf of a standby applying a primary's stream, and
// exposes the Elector so internal/engine's control surface (fail-over)
// can drive promotion.
//
// Grounded on cmd/server/main.go's server struct wiring a storage.DB plus
// a peer list behind one facade type, generalized from SQL federation
// fan-out to ordered single-peer changeset shipping.
type Replicator struct {
	db       string
	nodeID   string
	mode     Mode
	versions *version.Manager
	elector  *Elector

	mu       sync.RWMutex
	peer     *PeerClient
	applier  *Applier
	alignSrc AlignmentSource

	nextSeq atomic.Uint64
}

// New returns a Replicator for database db on this node, starting
// standalone (no elector activity until SetElector installs an elector
// backed by a witness; ConfigurePeer installs the peer).
func New(db, nodeID string, vm *version.Manager) *Replicator {
	return &Replicator{db: db, nodeID: nodeID, versions: vm}
}

// ConfigurePeer installs the replication peer and mode (spec §4.10
// topology: standalone / LW / GW). apply is the hook internal/engine
// provides for applying a replayed changeset to the local store when
// this node is acting as standby.
func (r *Replicator) ConfigurePeer(addr string, mode Mode, apply ApplyFunc, startSeq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peer = NewPeerClient(addr, r.db)
	r.mode = mode
	r.applier = NewApplier(apply, startSeq, r.triggerAlignment)
}

// SetElector installs the elector this Replicator consults for role
// decisions and fail-over.
func (r *Replicator) SetElector(e *Elector) { r.elector = e }

// Role reports this node's current replication role.
func (r *Replicator) Role() Role {
	if r.elector == nil {
		return RoleStandalone
	}
	return r.elector.Role()
}

// CheckWriteAdmission implements spec §4.10's transaction-admission rule:
// "a read/write transaction is rejected with TransactionNotAllowed when
// this node is not the authoritative writer for the database".
func (r *Replicator) CheckWriteAdmission() error {
	switch r.Role() {
	case RoleStandalone, RolePrimary:
		return nil
	default:
		return veloxerr.Newf(veloxerr.KindTransactionNotAllowed, "node is not the authoritative writer (role=%s)", r.Role())
	}
}

// CheckReadAdmission implements spec §4.10: "a read transaction is
// allowed on any replica that has completed initial alignment" — i.e.
// every role except mid-alignment.
func (r *Replicator) CheckReadAdmission() error {
	if r.Role() == RoleAligning {
		return veloxerr.New(veloxerr.KindTransactionNotAllowed, "node has not completed initial alignment")
	}
	return nil
}

// Forward ships a just-committed changeset to the configured peer (spec
// §4.10). In Sync mode it blocks for the peer's ack before returning; in
// Async mode it fires the ship in the background and returns immediately,
// since spec §4.10 only requires local durability before the committer
// returns in that mode.
func (r *Replicator) Forward(ctx context.Context, commitVersion uint64, cs changeset.Set) error {
	r.mu.RLock()
	peer := r.peer
	mode := r.mode
	r.mu.RUnlock()
	if peer == nil {
		return nil // standalone: nothing to forward
	}

	seq := r.nextSeq.Add(1)
	if mode == Sync {
		return peer.Ship(ctx, seq, commitVersion, cs)
	}
	go func() {
		_ = peer.Ship(context.Background(), seq, commitVersion, cs)
	}()
	return nil
}

// Ship implements ReplicaServer for the standby side: a primary calls
// this to deliver one shipped changeset.
func (r *Replicator) Ship(_ context.Context, req *shipRequest) (*shipResponse, error) {
	r.mu.RLock()
	applier := r.applier
	r.mu.RUnlock()
	if applier == nil {
		return &shipResponse{Error: "no applier configured on this node"}, nil
	}
	if err := applier.Submit(req.Sequence, req.CommitVersion, req.Payload); err != nil {
		return &shipResponse{Error: err.Error()}, nil
	}
	return &shipResponse{Acked: true}, nil
}

// AlignmentSource supplies what Align returns: Align implements
// ReplicaServer for the primary side, where a reconnecting standby
// requests the missing range of the log plus synthetic alignment-delete
// ops for ids it never saw deleted while absent (spec §4.10
// "Alignment"). The source computes the actual log range and synthetic
// deletes; internal/engine wires it to internal/wal and internal/store.
type AlignmentSource interface {
	ComputeAlignment(classWatermarks map[string]uint64, lastApplied uint64) ([]AlignmentOp, error)
}

// SetAlignmentSource installs the AlignmentSource that answers incoming
// Align RPCs (this node acting as the primary side of alignment).
func (r *Replicator) SetAlignmentSource(src AlignmentSource) {
	r.mu.Lock()
	r.alignSrc = src
	r.mu.Unlock()
}

func (r *Replicator) Align(_ context.Context, req *alignRequest) (*alignResponse, error) {
	r.mu.RLock()
	src := r.alignSrc
	r.mu.RUnlock()
	if src == nil {
		return &alignResponse{Error: "this node cannot serve as an alignment source"}, nil
	}
	ops, err := src.ComputeAlignment(req.ClassWatermarks, req.LastAppliedVersion)
	if err != nil {
		return &alignResponse{Error: err.Error()}, nil
	}
	return &alignResponse{Ops: ops}, nil
}

// triggerAlignment is the Applier's onGap callback: it demotes the
// elector to RoleAligning and requests a catch-up batch from the peer
// before resubmitting (spec §4.10: "if the gap cannot be closed, trigger
// an alignment protocol").
func (r *Replicator) triggerAlignment(nextSeq uint64) {
	if r.elector != nil {
		r.elector.BeginAlignment()
	}
	r.mu.RLock()
	peer, applier := r.peer, r.applier
	r.mu.RUnlock()
	if peer == nil || applier == nil {
		return
	}
	ops, err := peer.RequestAlignment(context.Background(), nil, nextSeq-1)
	if err != nil {
		return
	}
	if err := applier.ApplyAlignmentOps(ops); err == nil && r.elector != nil {
		r.elector.CompleteAlignment()
	}
}

// Failover promotes this node to primary for a new term, per spec §4.10:
// "The newly promoted primary increments local-term and rewinds to the
// last confirmed common version if it held uncommitted state ahead of
// the peer." rewind is the caller-supplied hook (internal/engine wiring
// internal/version.RewindTo plus internal/store truncation) invoked only
// when this node's version is ahead of commonVersion.
func (r *Replicator) Failover(ctx context.Context, peerCandidate Candidate, commonVersion uint64, rewind func(uint64)) error {
	if r.elector == nil {
		return veloxerr.New(veloxerr.KindUnavailable, "no elector configured")
	}
	local := Candidate{NodeID: r.nodeID, Term: r.versions.CurrentTerm(), Version: r.versions.CurrentVersion()}
	if local.Version > commonVersion && rewind != nil {
		rewind(commonVersion)
	}
	if err := r.elector.TryPromote(ctx, local, peerCandidate); err != nil {
		return err
	}
	r.versions.IncrementTerm()
	return nil
}
