package snapshotrpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

const GetVersionMethod = "/" + serviceName + "/GetVersion"

// VersionInfo describes the running relay.
type VersionInfo struct {
	RelayVersion    string
	Mode            string
	ListenAddr      string
	ProbeListenAddr string
}

type GetVersionRequest struct{}

type GetVersionResponse struct {
	RelayVersion    string `json:"relay_version"`
	Mode            string `json:"mode"`
	ListenAddr      string `json:"listen_addr"`
	ProbeListenAddr string `json:"probe_listen_addr,omitempty"`
	CheckedAtUnix   int64  `json:"checked_at_unix"`
}

func (s *Server) GetVersion(_ context.Context, _ *GetVersionRequest) (*GetVersionResponse, error) {
	return &GetVersionResponse{
		RelayVersion:    s.version.RelayVersion,
		Mode:            s.version.Mode,
		ListenAddr:      s.version.ListenAddr,
		ProbeListenAddr: s.version.ProbeListenAddr,
		CheckedAtUnix:   time.Now().UTC().Unix(),
	}, nil
}

func getVersionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(GetVersionRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(snapshotServer).GetVersion(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetVersionMethod}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(snapshotServer).GetVersion(ctx, r.(*GetVersionRequest))
	}
	return interceptor(ctx, req, info, handler)
}
