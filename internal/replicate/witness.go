package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/veloxdb/velox/internal/veloxerr"
)

// FileWitness implements Witness over a shared-folder path (spec §6: "a
// witness (shared folder path ... )"). Each database gets its own
// <db>.witness file recording the highest term granted so far; Grant
// refuses any candidate proposing a term at or below what's on disk.
type FileWitness struct {
	dir string
	mu  sync.Mutex
}

// NewFileWitness returns a FileWitness rooted at dir, which must already
// exist and be reachable by every node in the LW pair.
func NewFileWitness(dir string) *FileWitness {
	return &FileWitness{dir: dir}
}

type witnessRecord struct {
	Term   uint64 `json:"term"`
	NodeID string `json:"nodeId"`
}

func (w *FileWitness) path(db string) string {
	return filepath.Join(w.dir, db+".witness")
}

// Grant implements Witness.
func (w *FileWitness) Grant(_ context.Context, db string, candidate Candidate) (bool, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := w.path(db)
	var cur witnessRecord
	if data, err := os.ReadFile(path); err == nil {
		if jerr := json.Unmarshal(data, &cur); jerr != nil {
			return false, 0, veloxerr.Wrap(veloxerr.KindUnavailable, "witness record corrupted", jerr)
		}
	} else if !os.IsNotExist(err) {
		return false, 0, veloxerr.Wrap(veloxerr.KindUnavailable, "witness read failed", err)
	}

	if candidate.Term <= cur.Term {
		return false, cur.Term, nil
	}

	rec := witnessRecord{Term: candidate.Term, NodeID: candidate.NodeID}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, cur.Term, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, cur.Term, veloxerr.Wrap(veloxerr.KindUnavailable, "witness write failed", err)
	}
	return true, rec.Term, nil
}

// grantRequest/grantResponse are the wire types for the standalone
// witness service RPC (spec §6: "a standalone witness service address").
type grantRequest struct {
	DB      string `json:"db"`
	NodeID  string `json:"nodeId"`
	Term    uint64 `json:"term"`
	Version uint64 `json:"version"`
}

type grantResponse struct {
	Granted bool   `json:"granted"`
	Term    uint64 `json:"term"`
	Error   string `json:"error,omitempty"`
}

// jsonCodec mirrors cmd/server/main.go's hand-rolled gRPC JSON codec: no
// protoc step, wire types are plain structs marshaled with
// encoding/json.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// WitnessServer is the RPC-facing interface a standalone witness service
// implements.
type WitnessServer interface {
	GrantRPC(context.Context, *grantRequest) (*grantResponse, error)
}

// RegisterWitnessServer wires srv into s using a hand-rolled
// grpc.ServiceDesc, the same pattern cmd/server/main.go uses for
// registerTinySQLServer.
func RegisterWitnessServer(s *grpc.Server, srv WitnessServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "velox.Witness",
		HandlerType: (*WitnessServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Grant", Handler: witnessGrantHandler},
		},
		Metadata: "velox",
	}, srv)
}

func witnessGrantHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(grantRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WitnessServer).GrantRPC(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/velox.Witness/Grant"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WitnessServer).GrantRPC(ctx, req.(*grantRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// LocalWitnessService adapts a FileWitness (or any Witness) into a
// WitnessServer so a standalone witness process can serve Grant RPCs on
// behalf of nodes that can't share a folder directly.
type LocalWitnessService struct {
	Backing Witness
}

func (s *LocalWitnessService) GrantRPC(ctx context.Context, req *grantRequest) (*grantResponse, error) {
	granted, term, err := s.Backing.Grant(ctx, req.DB, Candidate{NodeID: req.NodeID, Term: req.Term, Version: req.Version})
	if err != nil {
		return &grantResponse{Error: err.Error()}, nil
	}
	return &grantResponse{Granted: granted, Term: term}, nil
}

// RemoteWitness is a Witness backed by a standalone witness service
// reached over gRPC with the JSON codec (spec §6).
type RemoteWitness struct {
	addr string
}

// NewRemoteWitness returns a Witness that calls out to a standalone
// witness service at addr.
func NewRemoteWitness(addr string) *RemoteWitness {
	return &RemoteWitness{addr: addr}
}

// Grant implements Witness over gRPC.
func (r *RemoteWitness) Grant(ctx context.Context, db string, candidate Candidate) (bool, uint64, error) {
	conn, err := grpc.Dial(r.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return false, 0, veloxerr.Wrap(veloxerr.KindUnavailable, "witness dial failed", err)
	}
	defer conn.Close()

	req := &grantRequest{DB: db, NodeID: candidate.NodeID, Term: candidate.Term, Version: candidate.Version}
	resp := new(grantResponse)
	if err := conn.Invoke(ctx, "/velox.Witness/Grant", req, resp); err != nil {
		return false, 0, veloxerr.Wrap(veloxerr.KindUnavailable, "witness RPC failed", err)
	}
	if resp.Error != "" {
		return false, resp.Term, fmt.Errorf("witness: %s", resp.Error)
	}
	return resp.Granted, resp.Term, nil
}
