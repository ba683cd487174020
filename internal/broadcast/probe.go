package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// ServeProbe accepts connections on addr and closes each one immediately.
// External monitors use it only to check that the relay is reachable.
func ServeProbe(ctx context.Context, addr string, logger *slog.Logger) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("empty probe listen address")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen probe endpoint %s: %w", addr, err)
	}
	logger.Info("probe endpoint listening", "addr", ln.Addr().String())
	return serveProbe(ctx, ln)
}

func serveProbe(ctx context.Context, ln net.Listener) error {
	defer func() { _ = ln.Close() }()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil || errors.Is(acceptErr, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(acceptErr, &ne) && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept probe endpoint %s: %w", ln.Addr(), acceptErr)
		}
		_ = conn.Close()
	}
}
