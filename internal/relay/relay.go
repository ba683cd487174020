// Package relay wires the upstream link, decoder, broadcast server and
// catch-up poller into one process and owns its lifecycle.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"telemetry-relay/internal/broadcast"
	"telemetry-relay/internal/catchup"
	"telemetry-relay/internal/config"
	"telemetry-relay/internal/decode"
	"telemetry-relay/internal/metrics"
	"telemetry-relay/internal/schema"
	"telemetry-relay/internal/snapshotrpc"
	"telemetry-relay/internal/store"
	"telemetry-relay/internal/upstream"
)

type Relay struct {
	cfg       config.Config
	logger    *slog.Logger
	schema    *schema.Schema
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	decoder   *decode.Decoder
	server    *broadcast.Server
	connector *upstream.Connector
	poller    *catchup.Poller
	rpc       *snapshotrpc.Server
	sink      *packetSink
	health    *HealthStatus
	stdin     io.Reader
}

func New(cfg config.Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sch, err := loadSchema(cfg.SchemaPath)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	health := NewHealthStatus()
	decoder := decode.NewDecoder(sch, cfg.Window, m, logger.With("component", "decoder"))
	server := broadcast.NewServer(broadcast.Options{
		QueueSize:    cfg.ClientQueueSize,
		WriteTimeout: cfg.WriteTimeout,
		Observer:     m,
		Logger:       logger.With("component", "broadcast"),
	})
	sink := &packetSink{
		width:   sch.Width(),
		decoder: decoder,
		server:  server,
		metrics: m,
		health:  health,
		logger:  logger,
	}

	r := &Relay{
		cfg:      cfg,
		logger:   logger,
		schema:   sch,
		registry: reg,
		metrics:  m,
		decoder:  decoder,
		server:   server,
		sink:     sink,
		health:   health,
		stdin:    os.Stdin,
	}

	r.connector = upstream.NewConnector(upstream.Options{
		Addr:              cfg.UpstreamAddr,
		PayloadWidth:      sch.Width(),
		ReconnectDelay:    cfg.ReconnectDelay,
		InactivityTimeout: cfg.InactivityTimeout,
		Observer:          m,
		Logger:            logger.With("component", "upstream"),
	}, sink)

	if cfg.CatchupEnabled {
		st, err := store.NewClient(cfg.StoreURL, nil)
		if err != nil {
			return nil, fmt.Errorf("store client: %w", err)
		}
		r.poller = catchup.NewPoller(st, sink, catchup.Options{
			Interval: cfg.PollInterval,
			Horizon:  cfg.CatchupHorizon,
			Observer: m,
			Logger:   logger.With("component", "catchup"),
		})
	}

	if cfg.RPCAddr != "" {
		r.rpc = snapshotrpc.NewServer(decoder.Snapshot(), snapshotrpc.VersionInfo{
			RelayVersion:    cfg.RelayVersion,
			Mode:            string(cfg.Mode),
			ListenAddr:      cfg.ListenAddr,
			ProbeListenAddr: cfg.ProbeListenAddr,
		}, logger.With("component", "snapshotrpc"))
	}

	return r, nil
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		sch, err := schema.Default()
		if err != nil {
			return nil, fmt.Errorf("default schema: %w", err)
		}
		return sch, nil
	}
	sch, err := schema.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", path, err)
	}
	return sch, nil
}

// Snapshot is the decoded state served to readers.
func (r *Relay) Snapshot() *decode.Snapshot {
	return r.decoder.Snapshot()
}

var (
	errForcedStop = errors.New("second signal, stop forced")
	errGraceLapse = errors.New("graceful shutdown timed out")
)

// Run serves until ctx ends or the process is signalled. The first SIGINT or
// SIGTERM starts a graceful stop bounded by ShutdownTimeout; a second one
// abandons it.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("starting telemetry relay",
		"version", r.cfg.RelayVersion,
		"mode", r.cfg.Mode,
		"upstream", r.cfg.UpstreamAddr,
		"listen", r.cfg.ListenAddr,
		"payload_bytes", r.schema.Width(),
		"fields", r.schema.Len(),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.run(runCtx) }()

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	err := r.awaitStop(done, sigs, cancel)

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancelGrace()
	r.shutdown(graceCtx)

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		r.logger.Info("telemetry relay stopped")
		return nil
	case errors.Is(err, errForcedStop), errors.Is(err, errGraceLapse):
		r.logger.Warn("telemetry relay stopped without draining", "reason", err)
		return nil
	default:
		return err
	}
}

// awaitStop returns the result of run, or the reason a signalled stop did
// not complete within the grace period.
func (r *Relay) awaitStop(done <-chan error, sigs <-chan os.Signal, cancel context.CancelFunc) error {
	select {
	case err := <-done:
		return err
	case sig := <-sigs:
		r.logger.Info("shutdown signal received, draining", "signal", sig.String(), "timeout", r.cfg.ShutdownTimeout)
	}
	cancel()

	grace := time.NewTimer(r.cfg.ShutdownTimeout)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case sig := <-sigs:
		r.logger.Warn("second signal received, forcing shutdown", "signal", sig.String())
		return errForcedStop
	case <-grace.C:
		return errGraceLapse
	}
}

// BuildLogger writes to w at the level named by cfg.LogLevel, as JSON when
// cfg.LogJSON is set.
func BuildLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLevel accepts debug, info, warn and error; anything else is info.
func parseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}
