package relay

import (
	"errors"
	"log/slog"
	"time"

	"telemetry-relay/internal/broadcast"
	"telemetry-relay/internal/decode"
	"telemetry-relay/internal/frame"
	"telemetry-relay/internal/metrics"
	"telemetry-relay/internal/store"
)

const (
	sourceLive    = "live"
	sourceCatchup = "catchup"
)

// packetSink receives packets from the upstream link and rows from the
// catch-up poller. Each packet is broadcast verbatim, then decoded.
type packetSink struct {
	width   int
	decoder *decode.Decoder
	server  *broadcast.Server
	metrics *metrics.Metrics
	health  *HealthStatus
	logger  *slog.Logger
}

func (s *packetSink) LinkUp() {
	s.health.SetUpstreamConnected(true)
}

func (s *packetSink) HandlePacket(p frame.Packet) {
	s.relay(sourceLive, p)
	s.health.MarkLivePacket(time.Now())
}

// LinkDown forces the newest link-status sample to false.
func (s *packetSink) LinkDown(err error) {
	s.health.SetUpstreamConnected(false)
	s.decoder.LinkDown()
	s.logger.Debug("link status marked down", "error", err)
}

func (s *packetSink) HandleRow(row store.Row) {
	p, err := frame.Classify(row.Data, s.width)
	if err != nil {
		if errors.Is(err, frame.ErrBadPacketLength) {
			s.metrics.BadPacketLength()
		}
		s.logger.Warn("dropping catch-up row", "timestamp", row.Timestamp, "error", err)
		return
	}
	s.relay(sourceCatchup, p)
	s.health.MarkCatchupRow(time.Now())
}

func (s *packetSink) relay(source string, p frame.Packet) {
	n := s.server.Broadcast(p.Raw)
	s.metrics.PacketRelayed(source, p.Framed)
	if err := s.decoder.Ingest(p); err != nil {
		s.logger.Warn("decode failed", "source", source, "error", err)
		return
	}
	s.logger.Debug("packet relayed", "source", source, "framed", p.Framed, "bytes", len(p.Raw), "clients", n)
}
