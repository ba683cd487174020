package decode

import (
	"log/slog"

	"telemetry-relay/internal/frame"
	"telemetry-relay/internal/schema"
)

// FaultRecorder counts decode faults. A nil recorder is allowed.
type FaultRecorder interface {
	UnknownFieldType(field string)
	Decoded()
}

// Decoder owns the snapshot and is the only writer to it.
type Decoder struct {
	schema   *schema.Schema
	snapshot *Snapshot
	logger   *slog.Logger
	faults   FaultRecorder
}

func NewDecoder(s *schema.Schema, window int, faults FaultRecorder, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		schema:   s,
		snapshot: NewSnapshot(window),
		logger:   logger,
		faults:   faults,
	}
}

// Ingest decodes one packet into the snapshot.
func (d *Decoder) Ingest(p frame.Packet) error {
	rec, err := Decode(d.schema, p.Payload())
	if err != nil {
		return err
	}
	for _, f := range rec.Faults {
		d.logger.Warn("skipping field", "error", f)
		if ue, ok := f.(*schema.UnknownKindError); ok && d.faults != nil {
			d.faults.UnknownFieldType(ue.Field)
		}
	}
	d.snapshot.Apply(rec)
	if d.faults != nil {
		d.faults.Decoded()
	}
	return nil
}

// LinkDown marks the newest sample as received while the upstream link was lost.
func (d *Decoder) LinkDown() {
	d.snapshot.MarkLinkDown()
}

// Snapshot exposes the read side of the decoded state.
func (d *Decoder) Snapshot() *Snapshot {
	return d.snapshot
}
