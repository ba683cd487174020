// Package catchup backfills packets from the remote store that the live
// link missed.
package catchup

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"telemetry-relay/internal/store"
)

const (
	DefaultInterval = 250 * time.Millisecond
	DefaultHorizon  = 10 * time.Minute
	defaultBackoff  = 2 * time.Second
)

// Store is the subset of the remote store API the poller needs.
type Store interface {
	NewestTable(ctx context.Context) (string, error)
	FirstTimestamp(ctx context.Context, table string) (int64, error)
	NewRows(ctx context.Context, table string, since int64) ([]store.Row, error)
}

// Sink receives backfilled rows in store order.
type Sink interface {
	HandleRow(row store.Row)
}

// Observer is implemented by *metrics.Metrics.
type Observer interface {
	StoreRequest(ok bool)
	CatchupRows(n int, cursor int64)
}

type Options struct {
	Interval time.Duration
	Horizon  time.Duration
	Backoff  time.Duration
	Now      func() time.Time
	Observer Observer
	Logger   *slog.Logger
}

// Cursor is the position of the poller in the store.
type Cursor struct {
	Table         string
	LastTimestamp int64
}

// Poller issues at most one rows request at a time. fetchCount counts ticks
// that wanted a request; a request is sent only when fetchCount equals
// successCount+1, and completion resets fetchCount to successCount.
type Poller struct {
	store    Store
	sink     Sink
	interval time.Duration
	horizon  time.Duration
	backoff  time.Duration
	now      func() time.Time
	observer Observer
	logger   *slog.Logger

	refresh    chan struct{}
	refreshing atomic.Bool
	wg         sync.WaitGroup

	mu           sync.Mutex
	cursor       Cursor
	fetchCount   int
	successCount int
}

func NewPoller(st Store, sink Sink, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		store:    st,
		sink:     sink,
		interval: opts.Interval,
		horizon:  opts.Horizon,
		backoff:  opts.Backoff,
		now:      opts.Now,
		observer: opts.Observer,
		logger:   opts.Logger,
		refresh:  make(chan struct{}, 1),
	}
}

// Run resolves the starting cursor, then polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	defer p.wg.Wait()

	for {
		err := p.setup(ctx)
		if err == nil {
			break
		}
		p.logger.Warn("catch-up setup failed", "error", err, "retry_in", p.backoff)
		if !sleepWithContext(ctx, p.backoff) {
			return nil
		}
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.refresh:
			p.startRefresh(ctx)
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// Refresh asks the poller to re-resolve the newest table, for when a new
// recording session has started. Requests made while one is pending are merged.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Cursor returns the current position.
func (p *Poller) Cursor() Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Poller) setup(ctx context.Context) error {
	table, err := p.store.NewestTable(ctx)
	if err != nil {
		return err
	}
	first, err := p.store.FirstTimestamp(ctx, table)
	if err != nil {
		return err
	}

	start := first - 1
	if floor := p.now().Add(-p.horizon).UnixMilli(); floor > start {
		start = floor
	}

	p.mu.Lock()
	p.cursor = Cursor{Table: table, LastTimestamp: start}
	p.mu.Unlock()
	p.logger.Info("catch-up cursor resolved", "table", table, "first_timestamp", first, "since", start)
	return nil
}

// tick reports whether it issued a request.
func (p *Poller) tick(ctx context.Context) bool {
	p.mu.Lock()
	p.fetchCount++
	if p.fetchCount != p.successCount+1 {
		p.mu.Unlock()
		return false
	}
	cur := p.cursor
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.fetch(ctx, cur)
	}()
	return true
}

func (p *Poller) fetch(ctx context.Context, cur Cursor) {
	rows, err := p.store.NewRows(ctx, cur.Table, cur.LastTimestamp)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("catch-up request failed", "table", cur.Table, "since", cur.LastTimestamp, "error", err)
		}
		p.mu.Lock()
		p.fetchCount = p.successCount
		p.mu.Unlock()
		if p.observer != nil {
			p.observer.StoreRequest(false)
		}
		return
	}

	for _, row := range rows {
		p.sink.HandleRow(row)
	}

	p.mu.Lock()
	if n := len(rows); n > 0 && rows[n-1].Timestamp > p.cursor.LastTimestamp {
		p.cursor.LastTimestamp = rows[n-1].Timestamp
	}
	last := p.cursor.LastTimestamp
	p.successCount++
	p.fetchCount = p.successCount
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.StoreRequest(true)
		p.observer.CatchupRows(len(rows), last)
	}
	if len(rows) > 0 {
		p.logger.Debug("catch-up rows relayed", "rows", len(rows), "cursor", last)
	}
}

func (p *Poller) startRefresh(ctx context.Context) {
	if !p.refreshing.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.refreshing.Store(false)

		p.logger.Info("retrieving the most recent table")
		table, err := p.store.NewestTable(ctx)
		if err != nil {
			p.logger.Warn("table refresh failed", "error", err)
			return
		}
		p.mu.Lock()
		p.cursor.Table = table
		p.mu.Unlock()
		p.logger.Info("catch-up table refreshed", "table", table)
	}()
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
