package cluster

import (
	"testing"

	"github.com/veloxdb/velox/internal/veloxerr"
)

func TestParseStandaloneDefaults(t *testing.T) {
	doc := `{"kind":"standalone","root":{"name":"node-a"}}`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Root.Replication.Port != DefaultReplicationPort {
		t.Fatalf("expected default replication port, got %d", cfg.Root.Replication.Port)
	}
	if cfg.ElectionTimeoutSeconds != DefaultElectionTimeoutSeconds {
		t.Fatalf("expected default election timeout, got %d", cfg.ElectionTimeoutSeconds)
	}
}

func TestParseLWRequiresWitness(t *testing.T) {
	doc := `{"kind":"lw","root":{"name":"primary","children":[{"name":"standby"}]}}`
	_, err := Parse([]byte(doc))
	if !veloxerr.Is(err, veloxerr.KindSchemaIncompatible) {
		t.Fatalf("expected SchemaIncompatible for missing witness, got %v", err)
	}
}

func TestParseLWWithWitness(t *testing.T) {
	doc := `{"kind":"lw","witness":{"sharedFolderPath":"/mnt/witness"},
	         "root":{"name":"primary","children":[{"name":"standby"}]}}`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cfg.Nodes()) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(cfg.Nodes()))
	}
	if _, ok := cfg.ByName("standby"); !ok {
		t.Fatalf("expected to find standby node")
	}
}

func TestParseDuplicateNodeNames(t *testing.T) {
	doc := `{"kind":"lw","witness":{"sharedFolderPath":"/mnt/witness"},
	         "root":{"name":"a","children":[{"name":"a"}]}}`
	_, err := Parse([]byte(doc))
	if !veloxerr.Is(err, veloxerr.KindSchemaIncompatible) {
		t.Fatalf("expected SchemaIncompatible for duplicate name, got %v", err)
	}
}

func TestParseInvalidNodeNameCharacters(t *testing.T) {
	doc := `{"kind":"standalone","root":{"name":"bad/name"}}`
	_, err := Parse([]byte(doc))
	if !veloxerr.Is(err, veloxerr.KindSchemaIncompatible) {
		t.Fatalf("expected SchemaIncompatible for invalid name, got %v", err)
	}
}
