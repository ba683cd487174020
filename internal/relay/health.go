package relay

import (
	"sync/atomic"
	"time"
)

type HealthStatus struct {
	upstreamConnected atomic.Bool
	lastLivePacketAt  atomic.Int64
	lastCatchupRowAt  atomic.Int64
	livePackets       atomic.Uint64
	catchupRows       atomic.Uint64
}

func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{}
	h.upstreamConnected.Store(false)
	return h
}

func (h *HealthStatus) SetUpstreamConnected(ok bool) {
	h.upstreamConnected.Store(ok)
}

func (h *HealthStatus) UpstreamConnected() bool {
	return h.upstreamConnected.Load()
}

func (h *HealthStatus) MarkLivePacket(ts time.Time) {
	h.livePackets.Add(1)
	h.lastLivePacketAt.Store(ts.UnixNano())
}

func (h *HealthStatus) MarkCatchupRow(ts time.Time) {
	h.catchupRows.Add(1)
	h.lastCatchupRowAt.Store(ts.UnixNano())
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"upstream_connected": h.upstreamConnected.Load(),
		"live_packets":       h.livePackets.Load(),
		"catchup_rows":       h.catchupRows.Load(),
	}
	if v := h.lastLivePacketAt.Load(); v > 0 {
		out["last_live_packet_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastCatchupRowAt.Load(); v > 0 {
		out["last_catchup_row_at"] = time.Unix(0, v).UTC()
	}
	return out
}
