// Package snapshotrpc serves the decoded snapshot to read-only consumers
// over gRPC, using a JSON codec instead of generated protobuf messages.
package snapshotrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName       = "telemetry.relay.v1.SnapshotService"
	GetSnapshotMethod = "/" + serviceName + "/GetSnapshot"
)

// Source is the read side of the decoded snapshot. View must return a copy
// the caller may modify.
type Source interface {
	View() map[string][]any
	LinkUp() bool
	Window() int
}

type SnapshotRequest struct {
	// Fields limits the response to these series; empty means all.
	Fields []string `json:"fields,omitempty"`
	// Limit keeps only the newest Limit samples of each series; 0 means all.
	Limit int `json:"limit,omitempty"`
}

type SnapshotResponse struct {
	Window int              `json:"window"`
	LinkUp bool             `json:"link_up"`
	Series map[string][]any `json:"series"`
}

type snapshotServer interface {
	GetSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error)
	GetVersion(ctx context.Context, req *GetVersionRequest) (*GetVersionResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*snapshotServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
		{MethodName: "GetVersion", Handler: getVersionHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(SnapshotRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(snapshotServer).GetSnapshot(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetSnapshotMethod}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(snapshotServer).GetSnapshot(ctx, r.(*SnapshotRequest))
	}
	return interceptor(ctx, req, info, handler)
}

type Server struct {
	source  Source
	version VersionInfo
	logger  *slog.Logger
	grpc    *grpc.Server
}

func NewServer(source Source, version VersionInfo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{source: source, version: version, logger: logger, grpc: grpc.NewServer()}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

func (s *Server) GetSnapshot(_ context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	resp, err := BuildSnapshot(s.source, req)
	if errors.Is(err, ErrInvalidLimit) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return resp, err
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen snapshot rpc %s: %w", addr, err)
	}
	s.logger.Info("snapshot rpc listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		s.grpc.GracefulStop()
	}()
	if err := s.grpc.Serve(ln); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve snapshot rpc: %w", err)
	}
	return nil
}
