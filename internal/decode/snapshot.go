package decode

import (
	"sync"

	"telemetry-relay/internal/schema"
)

// DefaultWindow is the number of samples kept per series when none is configured.
const DefaultWindow = 500

// Snapshot holds newest-first series per field. Index i of every series
// refers to the same packet.
type Snapshot struct {
	mu     sync.RWMutex
	window int
	series map[string][]any
}

func NewSnapshot(window int) *Snapshot {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Snapshot{window: window, series: make(map[string][]any)}
}

// Window is the maximum length of every series.
func (s *Snapshot) Window() int {
	return s.window
}

// Apply records one decoded packet. The link-status series always receives
// true, whatever the packet carried in that field.
func (s *Snapshot) Apply(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range rec.Fields {
		if f.Name == schema.LinkStatusField {
			continue
		}
		s.pushLocked(f.Name, f.Value)
	}
	if rec.HasClock {
		s.pushLocked(schema.TimestampSeries, rec.Timestamp)
	}
	s.pushLocked(schema.LinkStatusField, true)

	for name, vals := range s.series {
		if len(vals) > s.window {
			clear(vals[s.window:])
			s.series[name] = vals[:s.window]
		}
	}
}

// MarkLinkDown overwrites the newest link-status sample with false without
// touching any other series.
func (s *Snapshot) MarkLinkDown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	vals := s.series[schema.LinkStatusField]
	if len(vals) == 0 {
		s.series[schema.LinkStatusField] = []any{false}
		return
	}
	vals[0] = false
}

// LinkUp reports the newest link-status sample.
func (s *Snapshot) LinkUp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vals := s.series[schema.LinkStatusField]
	if len(vals) == 0 {
		return false
	}
	up, _ := vals[0].(bool)
	return up
}

// Series returns a copy of one series, newest first.
func (s *Snapshot) Series(name string) []any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]any(nil), s.series[name]...)
}

// View returns a deep copy of every series for read-only consumers.
func (s *Snapshot) View() map[string][]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]any, len(s.series))
	for name, vals := range s.series {
		out[name] = append([]any(nil), vals...)
	}
	return out
}

func (s *Snapshot) pushLocked(name string, v any) {
	vals := append(s.series[name], nil)
	copy(vals[1:], vals)
	vals[0] = v
	s.series[name] = vals
}
