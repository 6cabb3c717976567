// Package cluster parses the cluster-configuration document of spec §6: a
// JSON description of a single root replication element (Standalone, LW,
// or GW) with child nodes, each declaring replication/administration/
// execution endpoints, and — for LW clusters — a witness and an election
// timeout.
//
// Grounded on internal/storage/catalog.go's descriptor-validation style
// (parse then check referential consistency before accepting), adapted
// from SQL catalog metadata to replication topology.
package cluster

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/veloxdb/velox/internal/veloxerr"
)

// Default ports and timeouts, spec §6.
const (
	DefaultReplicationPort = 7570
	DefaultElectorPort     = 7571
	DefaultAdminPort       = 7569
	DefaultExecutionPort   = 7568

	DefaultElectionTimeoutSeconds   = 2
	DefaultRemoteFileTimeoutSeconds = 2
)

// Kind is the root replication element's topology (spec §4.10).
type Kind string

const (
	Standalone Kind = "standalone"
	LW         Kind = "lw" // Local-Write HA pair with a witness
	GW         Kind = "gw" // Global-Write pair across regions, sides may be LW
)

var nodeNamePattern = regexp.MustCompile(`^[A-Za-z0-9._ :\-]+$`)

// Endpoint is one (host, port) pair.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Witness is either a shared-folder path or a standalone witness service
// address (spec §6: "a shared folder path or a standalone witness service
// address").
type Witness struct {
	SharedFolderPath string    `json:"sharedFolderPath,omitempty"`
	ServiceAddress   *Endpoint `json:"serviceAddress,omitempty"`
}

func (w Witness) IsSet() bool {
	return w.SharedFolderPath != "" || w.ServiceAddress != nil
}

// Role distinguishes a replica's read/write authority (spec §4.10: "Leaves
// can be read-only replicas (Local-Read, Global-Read)").
type Role string

const (
	RolePrimary    Role = "primary"
	RoleLocalRead  Role = "local-read"
	RoleGlobalRead Role = "global-read"
)

// Node is one replication-topology participant.
type Node struct {
	Name           string   `json:"name"`
	Role           Role     `json:"role,omitempty"`
	Replication    Endpoint `json:"replication"`
	Administration Endpoint `json:"administration"`
	Execution      Endpoint `json:"execution"`
	// Children holds nested node elements; a GW side may itself be an LW
	// pair (spec §4.10: "A GW side may itself be an LW pair").
	Children []Node `json:"children,omitempty"`
}

func (n *Node) applyDefaults() {
	if n.Replication.Port == 0 {
		n.Replication.Port = DefaultReplicationPort
	}
	if n.Administration.Port == 0 {
		n.Administration.Port = DefaultAdminPort
	}
	if n.Execution.Port == 0 {
		n.Execution.Port = DefaultExecutionPort
	}
	for i := range n.Children {
		n.Children[i].applyDefaults()
	}
}

func (n *Node) collectNames(seen map[string]struct{}) error {
	if !nodeNamePattern.MatchString(n.Name) {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "node name %q uses characters outside [A-Za-z0-9._ :-]", n.Name)
	}
	if _, dup := seen[n.Name]; dup {
		return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "duplicate node name %q", n.Name)
	}
	seen[n.Name] = struct{}{}
	for i := range n.Children {
		if err := n.Children[i].collectNames(seen); err != nil {
			return err
		}
	}
	return nil
}

// Config is a fully parsed and validated cluster-configuration document.
type Config struct {
	Kind                     Kind    `json:"kind"`
	Root                     Node    `json:"root"`
	Witness                  Witness `json:"witness,omitempty"`
	ElectionTimeoutSeconds   int     `json:"electionTimeoutSeconds,omitempty"`
	ElectorPort              int     `json:"electorPort,omitempty"`
	RemoteFileTimeoutSeconds int     `json:"remoteFileTimeoutSeconds,omitempty"`
}

func (c *Config) applyDefaults() {
	if c.ElectionTimeoutSeconds == 0 {
		c.ElectionTimeoutSeconds = DefaultElectionTimeoutSeconds
	}
	if c.ElectorPort == 0 {
		c.ElectorPort = DefaultElectorPort
	}
	if c.RemoteFileTimeoutSeconds == 0 {
		c.RemoteFileTimeoutSeconds = DefaultRemoteFileTimeoutSeconds
	}
	c.Root.applyDefaults()
}

func (c *Config) validate() error {
	if c.Kind == LW && !c.Witness.IsSet() {
		return veloxerr.New(veloxerr.KindSchemaIncompatible, "LW clusters must declare a witness")
	}
	seen := make(map[string]struct{})
	return c.Root.collectNames(seen)
}

// Parse decodes and validates a cluster-configuration document (spec §6).
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, veloxerr.Wrap(veloxerr.KindSchemaIncompatible, "malformed cluster configuration", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Nodes flattens the tree into a list, root first, depth first.
func (c *Config) Nodes() []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(n *Node) {
		out = append(out, n)
		for i := range n.Children {
			walk(&n.Children[i])
		}
	}
	walk(&c.Root)
	return out
}

// ByName looks up a node by name anywhere in the tree.
func (c *Config) ByName(name string) (*Node, bool) {
	for _, n := range c.Nodes() {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}
