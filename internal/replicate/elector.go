// Package replicate implements the replicator of spec §4.10: changeset
// shipping and standby apply, LW/GW topology, a Raft-style elector
// consulting an external witness, alignment (catch-up), and failover.
//
// Grounded on cmd/server/main.go's hand-rolled grpc.ServiceDesc + JSON
// codec RPC registration (no protoc step), reused here for the
// changeset-shipping and elector/witness RPCs instead of SQL exec/query.
package replicate

import (
	"context"
	"sync"

	"github.com/veloxdb/velox/internal/veloxerr"
)

// Candidate is the (term, version) pair the elector compares when
// deciding leadership (spec §4.6, §4.10, GLOSSARY "Local term").
type Candidate struct {
	NodeID  string
	Term    uint64
	Version uint64
}

// Dominates reports whether a dominates b: a strictly later term, or the
// same term with a version at least as high. A node may only become
// primary if its own candidate is not dominated by its peer's (spec
// §4.10).
func (a Candidate) Dominates(b Candidate) bool {
	if a.Term != b.Term {
		return a.Term > b.Term
	}
	return a.Version >= b.Version
}

// Witness is the external coordinator consulted before a term transition
// (spec §4.10, GLOSSARY "Elector/witness"): a shared-folder file or a
// standalone witness service, behind one interface so the elector doesn't
// care which backs it.
type Witness interface {
	// Grant asks the witness to award leadership of database db for a new
	// term to candidate. The witness must record a monotonically
	// increasing term per database and refuse any candidate proposing a
	// term it has already granted or exceeded.
	Grant(ctx context.Context, db string, candidate Candidate) (granted bool, term uint64, err error)
}

// Role is a replica's current authority over writes (spec §4.10).
type Role uint8

const (
	RoleStandalone Role = iota
	RolePrimary
	RoleStandby
	// RoleAligning is a transient standby state during catch-up (spec
	// §4.10 "Alignment"); reads are allowed once alignment completes but
	// writes never are until promotion.
	RoleAligning
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "Primary"
	case RoleStandby:
		return "Standby"
	case RoleAligning:
		return "Aligning"
	default:
		return "Standalone"
	}
}

// Elector drives local-term transitions for one database against a
// Witness, comparing this node's candidate against its peer's (spec
// §4.10: "A node becomes primary only if its (term, version) is not
// dominated by its peer's, and the witness grants leadership for a new
// term").
type Elector struct {
	db      string
	nodeID  string
	witness Witness

	mu   sync.Mutex
	role Role
}

// NewElector returns an Elector for database db, starting in role.
func NewElector(db, nodeID string, witness Witness, startRole Role) *Elector {
	return &Elector{db: db, nodeID: nodeID, witness: witness, role: startRole}
}

// Role returns the elector's current view of this node's role.
func (e *Elector) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

func (e *Elector) setRole(r Role) {
	e.mu.Lock()
	e.role = r
	e.mu.Unlock()
}

// TryPromote attempts to become primary for a new term. local is this
// node's candidate (current term/version); peer is the best information
// available about the peer's candidate, which may be stale or absent
// during a network partition — callers pass the last-known value.
func (e *Elector) TryPromote(ctx context.Context, local, peer Candidate) error {
	if peer.NodeID != "" && peer.Dominates(local) {
		return veloxerr.Newf(veloxerr.KindUnavailable, "cannot promote %s: dominated by peer %s (term=%d version=%d)",
			e.nodeID, peer.NodeID, peer.Term, peer.Version)
	}
	proposed := Candidate{NodeID: e.nodeID, Term: local.Term + 1, Version: local.Version}
	granted, _, err := e.witness.Grant(ctx, e.db, proposed)
	if err != nil {
		return veloxerr.Wrap(veloxerr.KindUnavailable, "witness RPC failed during election", err)
	}
	if !granted {
		return veloxerr.Newf(veloxerr.KindUnavailable, "witness declined to grant term %d to %s", proposed.Term, e.nodeID)
	}
	e.setRole(RolePrimary)
	return nil
}

// Demote transitions to standby, e.g. after losing a witness grant to a
// peer (spec §4.10 "Failover": "witness promotes the healthier peer").
func (e *Elector) Demote() { e.setRole(RoleStandby) }

// BeginAlignment marks this node as catching up with a primary (spec
// §4.10 "Alignment").
func (e *Elector) BeginAlignment() { e.setRole(RoleAligning) }

// CompleteAlignment transitions out of RoleAligning into RoleStandby once
// the standby is current (spec §4.10: "Once current, the standby
// transitions to streaming mode").
func (e *Elector) CompleteAlignment() { e.setRole(RoleStandby) }
