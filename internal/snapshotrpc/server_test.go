package snapshotrpc

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"telemetry-relay/internal/decode"
)

type staticSource struct {
	series map[string][]any
	up     bool
}

func (s staticSource) View() map[string][]any {
	out := make(map[string][]any, len(s.series))
	for k, v := range s.series {
		out[k] = append([]any(nil), v...)
	}
	return out
}
func (s staticSource) LinkUp() bool { return s.up }
func (s staticSource) Window() int  { return 3 }

func dialBuf(t *testing.T, src Source) *Client {
	t.Helper()
	ln := bufconn.Listen(1 << 20)
	srv := NewServer(src, VersionInfo{RelayVersion: "V0.1", Mode: "dev", ListenAddr: "127.0.0.1:4002"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return ln.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		assert.NoError(t, <-done)
	})
	return c
}

func TestGetSnapshot(t *testing.T) {
	c := dialBuf(t, staticSource{
		series: map[string][]any{
			"speed":                {3.5, 2.5, 1.5},
			"solar_car_connection": {true, true, false},
		},
		up: true,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.GetSnapshot(ctx, nil)
	require.NoError(t, err)
	assert.True(t, resp.LinkUp)
	assert.Equal(t, 3, resp.Window)
	assert.Equal(t, []any{3.5, 2.5, 1.5}, resp.Series["speed"])

	resp, err = c.GetSnapshot(ctx, &SnapshotRequest{Fields: []string{"speed", "missing"}, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, map[string][]any{"speed": {3.5}}, resp.Series)
}

func TestGetSnapshotRejectsNegativeLimit(t *testing.T) {
	c := dialBuf(t, staticSource{series: map[string][]any{}})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.GetSnapshot(ctx, &SnapshotRequest{Limit: -1})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetVersion(t *testing.T) {
	c := dialBuf(t, staticSource{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "V0.1", resp.RelayVersion)
	assert.Equal(t, "dev", resp.Mode)
	assert.Equal(t, "127.0.0.1:4002", resp.ListenAddr)
	assert.Empty(t, resp.ProbeListenAddr)
	assert.Positive(t, resp.CheckedAtUnix)
}

func TestGetSnapshotNonFiniteFloats(t *testing.T) {
	snap := decode.NewSnapshot(5)
	for _, v := range []float32{1.5, float32(math.Inf(1)), float32(math.NaN())} {
		snap.Apply(decode.Record{Fields: []decode.FieldValue{{Name: "speed", Value: v}}})
	}
	c := dialBuf(t, snap)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.GetSnapshot(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{nil, nil, 1.5}, resp.Series["speed"])

	// The stored samples are untouched.
	assert.True(t, math.IsNaN(float64(snap.Series("speed")[0].(float32))))
}

func TestBuildSnapshotFiltersAndLimits(t *testing.T) {
	src := staticSource{series: map[string][]any{
		"speed": {math.Inf(-1), 2.0, 1.0},
		"gear":  {"D", "N"},
	}}

	resp, err := BuildSnapshot(src, &SnapshotRequest{Fields: []string{"speed"}, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, map[string][]any{"speed": {nil, 2.0}}, resp.Series)

	_, err = BuildSnapshot(src, &SnapshotRequest{Limit: -3})
	assert.ErrorIs(t, err, ErrInvalidLimit)
}
