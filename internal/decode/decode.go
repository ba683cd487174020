// Package decode maps packet payloads to named values and keeps the most
// recent samples of every field in a sliding window.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"

	"telemetry-relay/internal/schema"
)

var ErrPayloadSize = errors.New("payload size does not match schema")

// FieldValue is one decoded field.
type FieldValue struct {
	Name  string
	Value any
}

// Record is the result of decoding one payload. Fields are in wire order and
// exclude the timestamp components, which are folded into Timestamp.
type Record struct {
	Fields    []FieldValue
	Timestamp string
	HasClock  bool
	Faults    []error
}

// Decode reads every schema field from payload. It has no side effects, so
// decoding the same bytes twice yields equal records. Fields with an unknown
// kind are skipped and reported in Record.Faults.
func Decode(s *schema.Schema, payload []byte) (Record, error) {
	if len(payload) != s.Width() {
		return Record{}, fmt.Errorf("%w: got %d bytes, want %d", ErrPayloadSize, len(payload), s.Width())
	}

	var (
		rec                  Record
		hour, minute, second uint8
		millis               uint16
		clockParts           int
	)
	ks := kaitai.NewStream(bytes.NewReader(payload))
	for _, e := range s.Entries() {
		// Seeking keeps the next field aligned after an unknown kind.
		if _, err := ks.Seek(int64(e.Offset), io.SeekStart); err != nil {
			return Record{}, fmt.Errorf("seek %s: %w", e.Name, err)
		}
		v, err := decodeField(e, ks)
		if err != nil {
			rec.Faults = append(rec.Faults, err)
			continue
		}
		switch e.Role {
		case schema.RoleHour:
			hour = v.(uint8)
			clockParts++
		case schema.RoleMinute:
			minute = v.(uint8)
			clockParts++
		case schema.RoleSecond:
			second = v.(uint8)
			clockParts++
		case schema.RoleMillis:
			millis = v.(uint16)
			clockParts++
		default:
			rec.Fields = append(rec.Fields, FieldValue{Name: e.Name, Value: v})
		}
	}
	if clockParts == 4 {
		rec.Timestamp = FormatTimestamp(hour, minute, second, millis)
		rec.HasClock = true
	}
	return rec, nil
}
