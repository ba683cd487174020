// Package broadcast fans raw packets out to every connected downstream client.
//
// Each client has a bounded send queue drained by its own writer. When a
// client falls so far behind that its queue is full, packets are dropped for
// that client only; the drop is counted and logged at most once per
// dropLogInterval. Other clients are never held back.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
	dropLogInterval     = 5 * time.Second
)

// Observer receives registry and delivery events. Implemented by *metrics.Metrics.
type Observer interface {
	SetSubscribers(n int)
	BroadcastDropped()
	WriteError()
}

type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	Observer     Observer
	Logger       *slog.Logger
}

// Server owns the connection registry. Each client gets its own writer
// goroutine so a slow reader never stalls the others.
type Server struct {
	logger       *slog.Logger
	observer     Observer
	queueSize    int
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*client
	wg      sync.WaitGroup

	dropped atomic.Uint64
	dropLog rate.Sometimes
}

type client struct {
	id     string
	conn   net.Conn
	send   chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Server{
		logger:       opts.Logger,
		observer:     opts.Observer,
		queueSize:    opts.QueueSize,
		writeTimeout: opts.WriteTimeout,
		clients:      make(map[string]*client),
		dropLog:      rate.Sometimes{Interval: dropLogInterval},
	}
}

// ListenAndServe listens on addr and accepts subscribers until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen broadcast %s: %w", addr, err)
	}
	s.logger.Info("broadcast server listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts subscribers on ln until ctx is done, then tears every
// registered connection down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer func() { _ = ln.Close() }()
	defer s.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept subscriber: %w", err)
		}
		s.Attach(conn)
	}
}

// Attach registers conn and returns its registry id.
func (s *Server) Attach(conn net.Conn) string {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.queueSize),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	s.observe(n)
	s.logger.Info("client connected", "client", c.id, "remote", conn.RemoteAddr().String(), "clients", n)

	s.wg.Add(2)
	go s.writeLoop(c)
	go s.readLoop(c)
	return c.id
}

// Broadcast queues b for every live client and returns how many accepted it.
// A client that is torn down or backed up is skipped without error. b must
// not be modified afterwards.
func (s *Server) Broadcast(b []byte) int {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if c.closed.Load() {
			continue
		}
		select {
		case c.send <- b:
			delivered++
		default:
			total := s.dropped.Add(1)
			s.dropLog.Do(func() {
				s.logger.Warn("client send queue full, dropping packets", "client", c.id, "dropped_total", total)
			})
			if s.observer != nil {
				s.observer.BroadcastDropped()
			}
		}
	}
	return delivered
}

// Disconnect tears down one client. Unknown or already removed ids are a no-op.
func (s *Server) Disconnect(id string) {
	s.mu.Lock()
	c := s.clients[id]
	s.mu.Unlock()
	if c == nil {
		s.logger.Debug("client already removed", "client", id)
		return
	}
	s.teardown(c, "disconnect", nil)
}

// Dropped is the number of packets discarded for clients with a full queue.
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

// Len is the number of registered clients.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close tears down every client and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	all := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		all = append(all, c)
	}
	s.mu.Unlock()

	for _, c := range all {
		s.teardown(c, "shutdown", nil)
	}
	s.wg.Wait()
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if _, err := c.conn.Write(b); err != nil {
				if s.observer != nil && !c.closed.Load() {
					s.observer.WriteError()
				}
				s.teardown(c, "error", err)
				return
			}
		}
	}
}

// readLoop only exists to notice the peer ending the connection; subscribers
// never send data the relay uses.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	_, err := io.Copy(io.Discard, c.conn)
	if err == nil {
		s.teardown(c, "end", nil)
		return
	}
	s.teardown(c, "error", err)
}

// teardown removes c from the registry and destroys its socket. Every
// terminal event funnels through here; only the first call has an effect.
func (s *Server) teardown(c *client, reason string, err error) {
	s.mu.Lock()
	_, registered := s.clients[c.id]
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()

	if registered {
		s.observe(n)
		s.logger.Info("client removed", "client", c.id, "reason", reason, "error", err, "clients", n)
	} else {
		s.logger.Debug("client has already been removed", "client", c.id, "reason", reason)
	}

	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.conn.Close()
	})
}

func (s *Server) observe(n int) {
	if s.observer != nil {
		s.observer.SetSubscribers(n)
	}
}
