// Command veloxd is the database server process (spec §6, §9): it opens
// one engine.DB per configured database, serves a JSON-over-gRPC
// execution endpoint plus an HTTP mirror for ad-hoc clients, and — when
// the node's cluster-configuration entry names a peer — wires up
// replication, the elector, and the witness RPCs.
//
// Grounded on cmd/server/main.go: same flag-parsing, same hand-rolled
// grpc.ServiceDesc + JSON codec pattern (no protoc step), same
// dual HTTP/gRPC listener shape, generalized from a SQL
// exec/query pair to the object-database Create/Read/Update/Delete/Scan
// surface of spec §4.1.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/veloxdb/velox/internal/cluster"
	"github.com/veloxdb/velox/internal/engine"
	"github.com/veloxdb/velox/internal/replicate"
	"github.com/veloxdb/velox/internal/store"
)

var (
	flagConfig  = flag.String("config", "", "path to cluster-configuration JSON document (spec §6); empty runs standalone")
	flagNode    = flag.String("node", "", "this process's node name within -config (required when -config is set)")
	flagDB      = flag.String("db", "default", "database name")
	flagDir     = flag.String("dir", "./data", "data directory for WAL and snapshot files")
	flagGRPC    = flag.String("grpc", ":7568", "execution gRPC listen address (empty to disable)")
	flagHTTP    = flag.String("http", ":8090", "execution HTTP listen address (empty to disable)")
	flagWitness = flag.Bool("serve-witness", false, "also serve a standalone witness service on -witness-grpc")
	flagWitGRPC = flag.String("witness-grpc", ":7571", "standalone witness gRPC listen address")
	flagVerbose = flag.Bool("v", false, "verbose logging")
)

func main() {
	flag.Parse()

	if err := os.MkdirAll(*flagDir, 0755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db := engine.New(*flagDB, *flagDir)
	if err := db.CreateLog(filepath.Join(*flagDir, *flagDB+".log"), 0, 0); err != nil {
		log.Fatalf("create log: %v", err)
	}
	if err := db.Restore(); err != nil {
		log.Fatalf("restore: %v", err)
	}

	if *flagConfig != "" {
		if err := wireCluster(db); err != nil {
			log.Fatalf("cluster wiring: %v", err)
		}
	}

	if err := db.Start(); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer db.Stop()

	encoding.RegisterCodec(jsonCodec{})

	srv := &execServer{db: db}

	var grpcErr error
	if *flagGRPC != "" {
		go func() {
			lis, err := net.Listen("tcp", *flagGRPC)
			if err != nil {
				log.Printf("gRPC listen error: %v", err)
				grpcErr = err
				return
			}
			gs := grpc.NewServer()
			registerExecutionServer(gs, srv)
			replicate.RegisterReplicaServer(gs, db.Replicator())
			if *flagWitness {
				replicate.RegisterWitnessServer(gs, &replicate.LocalWitnessService{Backing: replicate.NewFileWitness(*flagDir)})
			}
			log.Printf("gRPC listening on %s", *flagGRPC)
			if err := gs.Serve(lis); err != nil {
				log.Printf("gRPC serve error: %v", err)
				grpcErr = err
			}
		}()
	}

	if *flagWitness && *flagWitGRPC != "" && *flagWitGRPC != *flagGRPC {
		go func() {
			lis, err := net.Listen("tcp", *flagWitGRPC)
			if err != nil {
				log.Printf("witness gRPC listen error: %v", err)
				return
			}
			gs := grpc.NewServer()
			replicate.RegisterWitnessServer(gs, &replicate.LocalWitnessService{Backing: replicate.NewFileWitness(*flagDir)})
			log.Printf("witness gRPC listening on %s", *flagWitGRPC)
			if err := gs.Serve(lis); err != nil {
				log.Printf("witness gRPC serve error: %v", err)
			}
		}()
	}

	if *flagHTTP != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/create", srv.handleCreate)
		mux.HandleFunc("/api/read", srv.handleRead)
		mux.HandleFunc("/api/update", srv.handleUpdate)
		mux.HandleFunc("/api/delete", srv.handleDelete)
		mux.HandleFunc("/api/scan", srv.handleScan)
		mux.HandleFunc("/api/status", srv.handleStatus)
		log.Printf("HTTP listening on %s", *flagHTTP)
		if err := http.ListenAndServe(*flagHTTP, mux); err != nil {
			log.Printf("HTTP serve error: %v", err)
			if grpcErr != nil {
				os.Exit(1)
			}
		}
	} else {
		select {}
	}
}

// wireCluster resolves this process's node within the cluster-
// configuration document and configures replication, the elector, and
// the witness accordingly (spec §4.10, §6).
func wireCluster(db *engine.DB) error {
	data, err := os.ReadFile(*flagConfig)
	if err != nil {
		return fmt.Errorf("read cluster config: %w", err)
	}
	cfg, err := cluster.Parse(data)
	if err != nil {
		return fmt.Errorf("parse cluster config: %w", err)
	}
	if cfg.Kind == cluster.Standalone {
		return nil
	}
	self, ok := cfg.ByName(*flagNode)
	if !ok {
		return fmt.Errorf("node %q not present in cluster config", *flagNode)
	}
	peer := siblingOf(cfg, *flagNode)
	if peer == nil {
		if *flagVerbose {
			log.Printf("node %q has no configured peer; running standalone", *flagNode)
		}
		return nil
	}

	mode := replicate.Async
	if cfg.Kind == cluster.LW {
		mode = replicate.Sync
	}
	db.ConfigureReplication(peer.Replication.String(), mode, 0)

	var w replicate.Witness
	switch {
	case cfg.Witness.ServiceAddress != nil:
		w = replicate.NewRemoteWitness(cfg.Witness.ServiceAddress.String())
	case cfg.Witness.SharedFolderPath != "":
		w = replicate.NewFileWitness(cfg.Witness.SharedFolderPath)
	default:
		w = replicate.NewFileWitness(*flagDir)
	}
	startRole := replicate.RoleStandby
	if self.Role == cluster.RolePrimary {
		startRole = replicate.RolePrimary
	}
	db.SetElector(replicate.NewElector(*flagDB, self.Name, w, startRole))
	return nil
}

// siblingOf returns the other child under nodeName's parent, or nil if
// nodeName has no sibling (a GW side may itself be an LW pair; only the
// immediate sibling within the same parent is treated as the replication
// peer).
func siblingOf(cfg *cluster.Config, nodeName string) *cluster.Node {
	var find func(n *cluster.Node) *cluster.Node
	find = func(n *cluster.Node) *cluster.Node {
		for i := range n.Children {
			if n.Children[i].Name == nodeName {
				for j := range n.Children {
					if j != i {
						return &n.Children[j]
					}
				}
				return nil
			}
			if found := find(&n.Children[i]); found != nil {
				return found
			}
		}
		return nil
	}
	return find(&cfg.Root)
}

// jsonCodec mirrors cmd/server/main.go's hand-rolled gRPC JSON codec.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// execRequest is a single Create/Update/Delete performed in its own
// implicit transaction, mirroring cmd/server/main.go's one-statement-
// per-request execRequest.
type execRequest struct {
	Op             string              `json:"op"` // "create" | "update" | "delete"
	Class          string              `json:"class"`
	ID             uint64              `json:"id,omitempty"`
	Values         map[string]any      `json:"values,omitempty"`
	Refs           map[string][]uint64 `json:"refs,omitempty"`
	FieldMutations map[string]any      `json:"fieldMutations,omitempty"`
	RefEdits       []refEditDTO        `json:"refEdits,omitempty"`
}

type refEditDTO struct {
	Name   string   `json:"name"`
	Op     string   `json:"op"` // "insert" | "removeAt" | "replace" | "setAll"
	Index  int      `json:"index,omitempty"`
	Values []uint64 `json:"values,omitempty"`
}

type execResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	ID       uint64 `json:"id,omitempty"`
	Duration string `json:"duration"`
}

// queryRequest is a single Read or Scan performed in its own read-only
// transaction. Equals is an optional equality filter applied during a
// scan (spec §4.1 predicate scan, simplified to field=value matching for
// the wire format).
type queryRequest struct {
	Op     string         `json:"op"` // "read" | "scan"
	Class  string         `json:"class"`
	ID     uint64         `json:"id,omitempty"`
	Equals map[string]any `json:"equals,omitempty"`
}

type queryResponse struct {
	Error    string      `json:"error,omitempty"`
	Objects  []objectDTO `json:"objects,omitempty"`
	Duration string      `json:"duration"`
	Count    int         `json:"count"`
}

type objectDTO struct {
	Class         string              `json:"class"`
	ID            uint64              `json:"id"`
	CommitVersion uint64              `json:"commitVersion"`
	Values        map[string]any      `json:"values"`
	Refs          map[string][]uint64 `json:"refs"`
}

// ExecutionServer is the RPC-facing interface this process implements.
type ExecutionServer interface {
	Execute(context.Context, *execRequest) (*execResponse, error)
	Query(context.Context, *queryRequest) (*queryResponse, error)
}

func registerExecutionServer(s *grpc.Server, srv ExecutionServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "velox.Execution",
		HandlerType: (*ExecutionServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Execute", Handler: executionExecuteHandler},
			{MethodName: "Query", Handler: executionQueryHandler},
		},
		Metadata: "velox",
	}, srv)
}

func executionExecuteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(execRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutionServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/velox.Execution/Execute"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutionServer).Execute(ctx, req.(*execRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executionQueryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(queryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutionServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/velox.Execution/Query"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutionServer).Query(ctx, req.(*queryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type execServer struct {
	db *engine.DB
}

func refOpFromWire(op string) store.RefOp {
	switch op {
	case "removeAt":
		return store.RefRemoveAt
	case "replace":
		return store.RefReplace
	case "setAll":
		return store.RefSetAll
	default:
		return store.RefInsert
	}
}

func (s *execServer) Execute(ctx context.Context, req *execRequest) (*execResponse, error) {
	start := time.Now()
	txn, err := s.db.Begin(ctx, false)
	if err != nil {
		return &execResponse{Error: err.Error(), Duration: time.Since(start).String()}, nil
	}

	var id uint64
	switch req.Op {
	case "create":
		id, err = txn.Create(req.Class, req.Values, req.Refs)
	case "update":
		edits := make([]store.RefEdit, len(req.RefEdits))
		for i, e := range req.RefEdits {
			edits[i] = store.RefEdit{Name: e.Name, Op: refOpFromWire(e.Op), Index: e.Index, Values: e.Values}
		}
		id = req.ID
		err = txn.Update(req.Class, req.ID, req.FieldMutations, edits)
	case "delete":
		id = req.ID
		err = txn.Delete(req.Class, req.ID)
	default:
		txn.Abort()
		return &execResponse{Error: fmt.Sprintf("unknown op %q", req.Op), Duration: time.Since(start).String()}, nil
	}
	if err != nil {
		txn.Abort()
		return &execResponse{Error: err.Error(), Duration: time.Since(start).String()}, nil
	}
	if err := txn.Commit(ctx); err != nil {
		return &execResponse{Error: err.Error(), Duration: time.Since(start).String()}, nil
	}
	return &execResponse{Success: true, ID: id, Duration: time.Since(start).String()}, nil
}

func (s *execServer) Query(ctx context.Context, req *queryRequest) (*queryResponse, error) {
	start := time.Now()
	txn, err := s.db.Begin(ctx, true)
	if err != nil {
		return &queryResponse{Error: err.Error(), Duration: time.Since(start).String()}, nil
	}
	defer txn.Abort()

	switch req.Op {
	case "read":
		rv, err := txn.Read(req.Class, req.ID)
		if err != nil {
			return &queryResponse{Error: err.Error(), Duration: time.Since(start).String()}, nil
		}
		if rv == nil {
			return &queryResponse{Duration: time.Since(start).String()}, nil
		}
		return &queryResponse{Objects: []objectDTO{dtoFromView(rv)}, Count: 1, Duration: time.Since(start).String()}, nil
	case "scan":
		filter := equalsFilter(req.Equals)
		it, err := txn.Scan(req.Class, filter)
		if err != nil {
			return &queryResponse{Error: err.Error(), Duration: time.Since(start).String()}, nil
		}
		var out []objectDTO
		for {
			rv, ok, err := it.Next(ctx)
			if err != nil {
				return &queryResponse{Error: err.Error(), Duration: time.Since(start).String()}, nil
			}
			if !ok {
				break
			}
			out = append(out, dtoFromView(rv))
		}
		return &queryResponse{Objects: out, Count: len(out), Duration: time.Since(start).String()}, nil
	default:
		return &queryResponse{Error: fmt.Sprintf("unknown op %q", req.Op), Duration: time.Since(start).String()}, nil
	}
}

func equalsFilter(equals map[string]any) store.Filter {
	if len(equals) == 0 {
		return nil
	}
	return func(rv *store.RecordView) bool {
		for k, want := range equals {
			if got, ok := rv.Values[k]; !ok || got != want {
				return false
			}
		}
		return true
	}
}

func dtoFromView(rv *store.RecordView) objectDTO {
	return objectDTO{
		Class:         rv.ClassName,
		ID:            rv.ID,
		CommitVersion: rv.CommitVersion,
		Values:        rv.Values,
		Refs:          rv.Refs,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *execServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.handleExecHTTP(w, r, "create")
}
func (s *execServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.handleExecHTTP(w, r, "update")
}
func (s *execServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.handleExecHTTP(w, r, "delete")
}

func (s *execServer) handleExecHTTP(w http.ResponseWriter, r *http.Request, op string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.Op = op
	resp, _ := s.Execute(r.Context(), &req)
	writeJSON(w, resp)
}

func (s *execServer) handleRead(w http.ResponseWriter, r *http.Request) {
	s.handleQueryHTTP(w, r, "read")
}
func (s *execServer) handleScan(w http.ResponseWriter, r *http.Request) {
	s.handleQueryHTTP(w, r, "scan")
}

func (s *execServer) handleQueryHTTP(w http.ResponseWriter, r *http.Request, op string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.Op = op
	resp, _ := s.Query(r.Context(), &req)
	writeJSON(w, resp)
}

func (s *execServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.db.Status()
	writeJSON(w, map[string]any{
		"name":             st.Name,
		"currentVersion":   st.CurrentVersion,
		"currentTerm":      st.CurrentTerm,
		"role":             st.Role,
		"commitsApplied":   st.CommitsApplied,
		"conflicts":        st.Conflicts,
		"integrityFailure": st.IntegrityFailure,
		"lastSnapshot":     st.LastSnapshot,
		"logCount":         st.LogCount,
		"time":             time.Now().Format(time.RFC3339),
	})
}

var _ ExecutionServer = (*execServer)(nil)
