// Package upstream owns the single connection to the telemetry source.
//
// The connector cycles Connecting -> Connected -> Closed -> Connecting with a
// fixed delay between attempts. A reader goroutine turns socket reads into
// events; one loop consumes them and is the only owner of the reassembly
// buffer.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"telemetry-relay/internal/frame"
)

const (
	defaultReconnectDelay = time.Second
	defaultKeepAlive      = 15 * time.Second
	defaultDialTimeout    = 5 * time.Second
	readBufferSize        = 4096
)

var (
	ErrLinkDown   = errors.New("upstream link down")
	ErrLinkClosed = fmt.Errorf("%w: connection ended", ErrLinkDown)
	ErrInactivity = fmt.Errorf("%w: inactivity timeout", ErrLinkDown)
)

type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives the connector's output.
type Handler interface {
	// LinkUp is called once a connection is established.
	LinkUp()
	// HandlePacket is called once per complete packet, in arrival order.
	HandlePacket(p frame.Packet)
	// LinkDown is called after every terminal socket event.
	LinkDown(err error)
}

// Observer receives link and framing events. Implemented by *metrics.Metrics.
type Observer interface {
	DialAttempt()
	LinkConnected()
	LinkDropped()
	BadPacketLength()
	MalformedStream()
}

// Dialer opens the upstream connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Options struct {
	Addr              string
	PayloadWidth      int
	ReconnectDelay    time.Duration
	InactivityTimeout time.Duration
	Dialer            Dialer
	Observer          Observer
	Logger            *slog.Logger
}

type Connector struct {
	addr              string
	reconnectDelay    time.Duration
	inactivityTimeout time.Duration
	dialer            Dialer
	handler           Handler
	observer          Observer
	logger            *slog.Logger
	reassembler       *frame.Reassembler
	state             atomic.Int32
}

type event struct {
	data []byte
	err  error
}

func NewConnector(opts Options, h Handler) *Connector {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Connector{
		addr:              opts.Addr,
		reconnectDelay:    opts.ReconnectDelay,
		inactivityTimeout: opts.InactivityTimeout,
		dialer:            opts.Dialer,
		handler:           h,
		observer:          opts.Observer,
		logger:            opts.Logger,
		reassembler:       frame.NewReassembler(opts.PayloadWidth),
	}
	c.state.Store(int32(StateClosed))
	return c
}

func (c *Connector) State() State {
	return State(c.state.Load())
}

// Run connects and reconnects until ctx is cancelled. Only one connection
// or attempt exists at any time.
func (c *Connector) Run(ctx context.Context) error {
	for {
		c.state.Store(int32(StateConnecting))
		if c.observer != nil {
			c.observer.DialAttempt()
		}
		conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("upstream connect failed", "addr", c.addr, "error", err, "retry_in", c.reconnectDelay)
			c.linkDown(fmt.Errorf("%w: %v", ErrLinkDown, err))
		} else {
			c.state.Store(int32(StateConnected))
			if c.observer != nil {
				c.observer.LinkConnected()
			}
			c.logger.Info("connected to upstream", "addr", c.addr, "remote", conn.RemoteAddr().String())
			c.handler.LinkUp()

			err = c.serve(ctx, conn)
			if ctx.Err() != nil {
				c.state.Store(int32(StateClosed))
				return nil
			}
			c.logger.Warn("upstream connection lost", "addr", c.addr, "error", err, "retry_in", c.reconnectDelay)
			if c.observer != nil {
				c.observer.LinkDropped()
			}
			c.linkDown(err)
		}

		if !sleepWithContext(ctx, c.reconnectDelay) {
			return nil
		}
	}
}

func (c *Connector) linkDown(err error) {
	c.state.Store(int32(StateClosed))
	c.handler.LinkDown(err)
}

// serve consumes one connection until a terminal event. The socket is
// closed before it returns.
func (c *Connector) serve(ctx context.Context, conn net.Conn) error {
	c.reassembler.Reset()
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
	}

	events := make(chan event)
	stop := make(chan struct{})
	defer func() {
		close(stop)
		_ = conn.Close()
	}()
	go c.readLoop(conn, events, stop)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.err != nil {
				return ev.err
			}
			c.consume(ev.data)
		}
	}
}

func (c *Connector) readLoop(conn net.Conn, events chan<- event, stop <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		if c.inactivityTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.inactivityTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case events <- event{data: data}:
			case <-stop:
				return
			}
		}
		if err != nil {
			select {
			case events <- event{err: classify(err)}:
			case <-stop:
			}
			return
		}
	}
}

func (c *Connector) consume(data []byte) {
	res := c.reassembler.Feed(data)
	for _, f := range res.Faults {
		c.logger.Warn("dropping upstream bytes", "error", f)
		if c.observer == nil {
			continue
		}
		if errors.Is(f, frame.ErrMalformedStream) {
			c.observer.MalformedStream()
		} else {
			c.observer.BadPacketLength()
		}
	}
	for _, p := range res.Packets {
		c.handler.HandlePacket(p)
	}
}

func classify(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		return ErrLinkClosed
	case errors.As(err, &ne) && ne.Timeout():
		return ErrInactivity
	default:
		return fmt.Errorf("%w: %v", ErrLinkDown, err)
	}
}

// sleepWithContext waits d and reports whether ctx is still live.
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
