package catchup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-relay/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	table    string
	first    int64
	calls    atomic.Int32
	since    []int64
	release  chan struct{}
	rows     [][]store.Row
	failNext bool
}

func (s *fakeStore) NewestTable(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table, nil
}

func (s *fakeStore) FirstTimestamp(context.Context, string) (int64, error) {
	return s.first, nil
}

func (s *fakeStore) NewRows(ctx context.Context, _ string, since int64) ([]store.Row, error) {
	s.calls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = append(s.since, since)
	if s.failNext {
		s.failNext = false
		return nil, errors.New("boom")
	}
	if len(s.rows) == 0 {
		return nil, nil
	}
	out := s.rows[0]
	s.rows = s.rows[1:]
	return out, nil
}

type sinkRecorder struct {
	mu   sync.Mutex
	rows []store.Row
}

func (r *sinkRecorder) HandleRow(row store.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, row)
}

func (r *sinkRecorder) timestamps() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, row := range r.rows {
		out = append(out, row.Timestamp)
	}
	return out
}

var fixedNow = time.UnixMilli(1_700_000_000_000)

func newTestPoller(t *testing.T, st *fakeStore, sink Sink) *Poller {
	t.Helper()
	p := NewPoller(st, sink, Options{Now: func() time.Time { return fixedNow }})
	require.NoError(t, p.setup(context.Background()))
	return p
}

func TestSetupClampsToHorizon(t *testing.T) {
	old := &fakeStore{table: "t1", first: 5}
	p := newTestPoller(t, old, &sinkRecorder{})
	assert.Equal(t, Cursor{Table: "t1", LastTimestamp: fixedNow.Add(-DefaultHorizon).UnixMilli()}, p.Cursor())

	recent := &fakeStore{table: "t2", first: fixedNow.UnixMilli() - 1000}
	p = newTestPoller(t, recent, &sinkRecorder{})
	assert.Equal(t, fixedNow.UnixMilli()-1001, p.Cursor().LastTimestamp)
}

func TestTickKeepsOneRequestInFlight(t *testing.T) {
	st := &fakeStore{table: "t", first: fixedNow.UnixMilli(), release: make(chan struct{})}
	st.rows = [][]store.Row{{{Timestamp: fixedNow.UnixMilli() + 5, Data: []byte{1}}}}
	sink := &sinkRecorder{}
	p := newTestPoller(t, st, sink)
	ctx := context.Background()

	assert.True(t, p.tick(ctx))
	assert.False(t, p.tick(ctx))
	assert.False(t, p.tick(ctx))
	require.Eventually(t, func() bool { return st.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	st.release <- struct{}{}
	p.wg.Wait()
	assert.Equal(t, int32(1), st.calls.Load())
	assert.Equal(t, fixedNow.UnixMilli()+5, p.Cursor().LastTimestamp)

	assert.True(t, p.tick(ctx), "completion re-arms the next tick")
	assert.False(t, p.tick(ctx))
	st.release <- struct{}{}
	p.wg.Wait()
	assert.Equal(t, int32(2), st.calls.Load())
}

func TestFailedRequestReArms(t *testing.T) {
	st := &fakeStore{table: "t", first: fixedNow.UnixMilli(), failNext: true}
	p := newTestPoller(t, st, &sinkRecorder{})
	before := p.Cursor()
	ctx := context.Background()

	require.True(t, p.tick(ctx))
	p.wg.Wait()
	assert.Equal(t, before, p.Cursor(), "failure leaves the cursor alone")

	require.True(t, p.tick(ctx))
	p.wg.Wait()
	assert.Equal(t, int32(2), st.calls.Load())
}

func TestRowsDeliveredInOrderAndCursorAdvances(t *testing.T) {
	base := fixedNow.UnixMilli()
	st := &fakeStore{table: "t", first: base}
	st.rows = [][]store.Row{
		{{Timestamp: base + 1}, {Timestamp: base + 2}, {Timestamp: base + 3}},
		{},
		{{Timestamp: base + 4}},
	}
	sink := &sinkRecorder{}
	p := newTestPoller(t, st, sink)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, p.tick(ctx))
		p.wg.Wait()
	}

	assert.Equal(t, []int64{base + 1, base + 2, base + 3, base + 4}, sink.timestamps())
	assert.Equal(t, base+4, p.Cursor().LastTimestamp)
	assert.Equal(t, []int64{base - 1, base + 3, base + 3}, st.since)
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	base := fixedNow.UnixMilli()
	st := &fakeStore{table: "t", first: base}
	st.rows = [][]store.Row{{{Timestamp: base - 500}}}
	p := newTestPoller(t, st, &sinkRecorder{})

	require.True(t, p.tick(context.Background()))
	p.wg.Wait()
	assert.Equal(t, base-1, p.Cursor().LastTimestamp)
}

func TestRefreshResolvesNewTable(t *testing.T) {
	st := &fakeStore{table: "old", first: fixedNow.UnixMilli()}
	p := newTestPoller(t, st, &sinkRecorder{})

	st.mu.Lock()
	st.table = "new"
	st.mu.Unlock()

	p.startRefresh(context.Background())
	p.wg.Wait()
	assert.Equal(t, "new", p.Cursor().Table)
}

func TestRunAgainstHTTPStore(t *testing.T) {
	now := time.Now()
	first := now.UnixMilli() - 1000
	var served atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/newest-timestamp-table":
			_, _ = w.Write([]byte(`{"response":"session"}`))
		case "/get-first-timestamp/session":
			_, _ = w.Write([]byte(`{"response":` + itoa(first) + `}`))
		default:
			if served.Add(1) == 1 {
				_, _ = w.Write([]byte(`{"response":[{"timestamp":` + itoa(first) + `,"payload":{"data":[7,8]}}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"response":[]}`))
		}
	}))
	defer srv.Close()

	client, err := store.NewClient(srv.URL, nil)
	require.NoError(t, err)
	sink := &sinkRecorder{}
	p := NewPoller(client, sink, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.timestamps()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return served.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{first}, sink.timestamps())
	assert.Equal(t, Cursor{Table: "session", LastTimestamp: first}, p.Cursor())
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
