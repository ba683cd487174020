package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"telemetry-relay/internal/broadcast"
	"telemetry-relay/internal/snapshotrpc"
)

const httpShutdownTimeout = 5 * time.Second

func (r *Relay) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.server.ListenAndServe(gctx, r.cfg.ListenAddr)
	})
	g.Go(func() error {
		return r.connector.Run(gctx)
	})
	g.Go(func() error {
		return r.runHealthLoop(gctx)
	})
	if r.cfg.ProbeListenAddr != "" {
		g.Go(func() error {
			return broadcast.ServeProbe(gctx, r.cfg.ProbeListenAddr, r.logger)
		})
	}
	if r.poller != nil {
		g.Go(func() error {
			return r.poller.Run(gctx)
		})
		if r.cfg.Interactive {
			// Reads from stdin block without a deadline, so the prompt is
			// left out of the group and dies with the process.
			go r.runRefreshPrompt(gctx, r.stdin)
		}
	}
	if r.rpc != nil {
		g.Go(func() error {
			return r.rpc.ListenAndServe(gctx, r.cfg.RPCAddr)
		})
	}
	if r.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return r.serveHTTP(gctx, r.cfg.MetricsAddr)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Relay) runHealthLoop(ctx context.Context) error {
	t := time.NewTicker(r.cfg.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.logHealth()
		}
	}
}

func (r *Relay) logHealth() {
	r.logger.Log(context.Background(), slog.LevelDebug, "relay health", "snapshot", r.healthReport())
}

func (r *Relay) healthReport() map[string]any {
	out := r.health.Snapshot()
	out["upstream_state"] = r.connector.State().String()
	out["subscribers"] = r.server.Len()
	out["link_up"] = r.decoder.Snapshot().LinkUp()
	if r.poller != nil {
		cur := r.poller.Cursor()
		out["catchup_table"] = cur.Table
		out["catchup_cursor"] = cur.LastTimestamp
	}
	return out
}

func (r *Relay) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", r.metrics.Handler())
	mux.HandleFunc("GET /snapshot", r.serveSnapshot)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := r.healthReport()
		report["status"] = "ok"
		if !r.health.UpstreamConnected() {
			report["status"] = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			r.logger.Debug("write health response failed", "error", err)
		}
	})
	return mux
}

// serveSnapshot answers GET /snapshot?fields=a,b&limit=n for browser dashboards.
func (r *Relay) serveSnapshot(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	sreq := &snapshotrpc.SnapshotRequest{}
	for _, v := range q["fields"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				sreq.Fields = append(sreq.Fields, name)
			}
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return
		}
		sreq.Limit = n
	}

	resp, err := snapshotrpc.BuildSnapshot(r.decoder.Snapshot(), sreq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.logger.Debug("write snapshot response failed", "error", err)
	}
}

func (r *Relay) serveHTTP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	srv := &http.Server{Handler: r.httpHandler(), ReadHeaderTimeout: 5 * time.Second}
	r.logger.Info("metrics endpoint listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("metrics endpoint shutdown failed", "error", err)
		}
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}

// shutdown disconnects every subscriber, giving up when ctx ends.
func (r *Relay) shutdown(ctx context.Context) {
	r.health.SetUpstreamConnected(false)

	closed := make(chan struct{})
	go func() {
		r.server.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-ctx.Done():
		r.logger.Warn("subscribers still draining at shutdown deadline", "clients", r.server.Len())
	}
}
