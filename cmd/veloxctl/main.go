// Command veloxctl is the local admin CLI (spec §6 control surface): it
// opens a database directly against its data directory — no network
// hop, since schema changes, snapshots, and rewinds are administrative
// operations performed against one node at a time — and dispatches a
// single subcommand: status, update-assemblies, create-snapshot, rewind,
// fail-over. There is no create-log subcommand: every run opens the one
// log stream <dir>/<db>.log itself before dispatching.
//
// Grounded on cmd/repl/main.go's flag-parsing plus bufio-driven command
// loop, adapted from an interactive SQL REPL to a one-shot subcommand
// dispatcher (spec's control surface is administrative, not
// conversational, so no prompt loop is kept).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/veloxdb/velox/internal/engine"
	"github.com/veloxdb/velox/internal/model"
	"github.com/veloxdb/velox/internal/replicate"
)

var (
	flagDB  = flag.String("db", "default", "database name")
	flagDir = flag.String("dir", "./data", "data directory for WAL and snapshot files")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	db := engine.New(*flagDB, *flagDir)
	if err := db.CreateLog(filepath.Join(*flagDir, *flagDB+".log"), 0, 0); err != nil {
		fatal("create log: %v", err)
	}
	if err := db.Restore(); err != nil {
		fatal("restore: %v", err)
	}
	defer db.Stop()

	var err error
	switch args[0] {
	case "status":
		err = cmdStatus(db)
	case "update-assemblies":
		err = cmdUpdateAssemblies(db, args[1:])
	case "create-snapshot":
		err = cmdCreateSnapshot(db)
	case "rewind":
		err = cmdRewind(db, args[1:])
	case "fail-over":
		err = cmdFailOver(db, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal("%s: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: veloxctl -dir <path> -db <name> <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status")
	fmt.Fprintln(os.Stderr, "  update-assemblies <schema.json>")
	fmt.Fprintln(os.Stderr, "  create-snapshot")
	fmt.Fprintln(os.Stderr, "  rewind <version>")
	fmt.Fprintln(os.Stderr, "  fail-over <peerNodeID> <peerTerm> <peerVersion> <commonVersion>")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func cmdStatus(db *engine.DB) error {
	st := db.Status()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func cmdCreateSnapshot(db *engine.DB) error {
	if err := db.CreateSnapshot(); err != nil {
		return err
	}
	fmt.Println("snapshot created")
	return nil
}

func cmdRewind(db *engine.DB, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected <version>")
	}
	v, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", args[0], err)
	}
	if err := db.Rewind(v); err != nil {
		return err
	}
	fmt.Printf("rewound to version %d\n", v)
	return nil
}

func cmdFailOver(db *engine.DB, args []string) error {
	if len(args) != 4 {
		return fmt.Errorf("expected <peerNodeID> <peerTerm> <peerVersion> <commonVersion>")
	}
	peerTerm, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid peerTerm: %w", err)
	}
	peerVersion, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid peerVersion: %w", err)
	}
	commonVersion, err := strconv.ParseUint(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid commonVersion: %w", err)
	}
	peer := replicate.Candidate{NodeID: args[0], Term: peerTerm, Version: peerVersion}
	if err := db.FailOver(context.Background(), peer, commonVersion); err != nil {
		return err
	}
	fmt.Println("promoted to primary")
	return nil
}

// schemaDoc is the JSON shape update-assemblies reads: a flat list of
// class additions/extensions applied to a clone of the live model in one
// swap (spec §4.9). Property/reference/index removals aren't exposed
// here since they're rarer operational moves best driven one at a time
// against internal/model.Model's Remove* calls directly by a future
// tool; this surface covers the common additive path.
type schemaDoc struct {
	Classes []classDoc `json:"classes"`
}

type classDoc struct {
	Name       string         `json:"name"`
	Abstract   bool           `json:"abstract,omitempty"`
	BaseClass  string         `json:"baseClass,omitempty"`
	Properties []propertyDoc  `json:"properties,omitempty"`
	References []referenceDoc `json:"references,omitempty"`
	Indexes    []hashIndexDoc `json:"indexes,omitempty"`
}

type propertyDoc struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Array bool   `json:"array,omitempty"`
}

type referenceDoc struct {
	Name         string `json:"name"`
	TargetClass  string `json:"targetClass"`
	Multi        bool   `json:"multi,omitempty"`
	Tracked      bool   `json:"tracked,omitempty"`
	DeletePolicy string `json:"deletePolicy,omitempty"` // "prevent" | "cascade" | "setNull"
	InverseName  string `json:"inverseName,omitempty"`
}

type hashIndexDoc struct {
	Name       string   `json:"name"`
	Properties []string `json:"properties"`
	Unique     bool     `json:"unique,omitempty"`
}

func propTypeFromWire(s string) (model.PropType, error) {
	switch s {
	case "bool":
		return model.PropBool, nil
	case "int32":
		return model.PropInt32, nil
	case "int64":
		return model.PropInt64, nil
	case "float32":
		return model.PropFloat32, nil
	case "float64":
		return model.PropFloat64, nil
	case "datetime":
		return model.PropDateTime, nil
	case "string":
		return model.PropString, nil
	case "bytearray":
		return model.PropByteArray, nil
	default:
		return model.PropInvalid, fmt.Errorf("unknown property type %q", s)
	}
}

func deletePolicyFromWire(s string) model.DeletePolicy {
	switch s {
	case "cascade":
		return model.CascadeDelete
	case "setNull":
		return model.SetToNull
	default:
		return model.PreventDelete
	}
}

func cmdUpdateAssemblies(db *engine.DB, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected <schema.json>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read schema document: %w", err)
	}
	var doc schemaDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse schema document: %w", err)
	}

	mutation := func(m *model.Model) error {
		for _, cd := range doc.Classes {
			desc := model.ClassDescriptor{
				Name:      cd.Name,
				Abstract:  cd.Abstract,
				BaseClass: cd.BaseClass,
			}
			for _, pd := range cd.Properties {
				pt, err := propTypeFromWire(pd.Type)
				if err != nil {
					return fmt.Errorf("class %s: %w", cd.Name, err)
				}
				desc.Properties = append(desc.Properties, model.PropertyDescriptor{Name: pd.Name, Type: pt, Array: pd.Array})
			}
			for _, rd := range cd.References {
				desc.References = append(desc.References, model.ReferenceDescriptor{
					Name:         rd.Name,
					TargetClass:  rd.TargetClass,
					Multi:        rd.Multi,
					Tracked:      rd.Tracked,
					DeletePolicy: deletePolicyFromWire(rd.DeletePolicy),
					InverseName:  rd.InverseName,
				})
			}
			for _, id := range cd.Indexes {
				desc.Indexes = append(desc.Indexes, model.HashIndexDescriptor{
					Name:          id.Name,
					Properties:    id.Properties,
					Unique:        id.Unique,
					DefiningClass: cd.Name,
				})
			}

			if existing, ok := m.Class(cd.Name); ok {
				if err := mergeIntoExisting(m, existing, desc); err != nil {
					return err
				}
				continue
			}
			if _, err := m.AddClass(desc); err != nil {
				return fmt.Errorf("add class %s: %w", cd.Name, err)
			}
		}
		return nil
	}

	if err := db.UpdateAssemblies(mutation); err != nil {
		return err
	}
	fmt.Println("assemblies updated")
	return nil
}

// mergeIntoExisting extends an already-declared class with any property,
// reference, or index present in wanted but absent from existing (spec
// §4.9: "a class may grow new properties, references, and indexes
// in-place").
func mergeIntoExisting(m *model.Model, existing *model.ClassDescriptor, wanted model.ClassDescriptor) error {
	for _, p := range wanted.Properties {
		if _, ok := existing.Property(p.Name); ok {
			continue
		}
		if err := m.AddProperty(existing.Name, p); err != nil {
			return fmt.Errorf("add property %s.%s: %w", existing.Name, p.Name, err)
		}
	}
	for _, r := range wanted.References {
		if _, ok := existing.Reference(r.Name); ok {
			continue
		}
		if err := m.AddReference(existing.Name, r); err != nil {
			return fmt.Errorf("add reference %s.%s: %w", existing.Name, r.Name, err)
		}
	}
	for _, idx := range wanted.Indexes {
		if hasIndex(existing, idx.Name) {
			continue
		}
		if err := m.AddHashIndex(existing.Name, idx); err != nil {
			return fmt.Errorf("add index %s.%s: %w", existing.Name, idx.Name, err)
		}
	}
	return nil
}

func hasIndex(c *model.ClassDescriptor, name string) bool {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return true
		}
	}
	return false
}
