package decode

import (
	"fmt"

	"github.com/kaitai-io/kaitai_struct_go_runtime/kaitai"

	"telemetry-relay/internal/schema"
)

type decodeFunc func(ks *kaitai.Stream) (any, error)

// decoders has one entry per known schema.Kind. Widths are checked when the
// schema is built, so each reader consumes exactly Kind.Width() bytes.
var decoders = map[schema.Kind]decodeFunc{
	schema.KindFloat32: func(ks *kaitai.Stream) (any, error) { return ks.ReadF4le() },
	schema.KindChar: func(ks *kaitai.Stream) (any, error) {
		b, err := ks.ReadU1()
		if err != nil {
			return nil, err
		}
		return string(rune(b)), nil
	},
	schema.KindBool: func(ks *kaitai.Stream) (any, error) {
		b, err := ks.ReadU1()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	},
	schema.KindUint8:  func(ks *kaitai.Stream) (any, error) { return ks.ReadU1() },
	schema.KindUint16: func(ks *kaitai.Stream) (any, error) { return ks.ReadU2be() },
}

// decodeField reads e from ks, which must be positioned at e.Offset.
func decodeField(e schema.Entry, ks *kaitai.Stream) (any, error) {
	fn, ok := decoders[e.Kind]
	if !ok {
		return nil, &schema.UnknownKindError{Field: e.Name, TypeName: e.TypeName}
	}
	v, err := fn(ks)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.Name, err)
	}
	return v, nil
}

// FormatTimestamp renders the packet clock as HH:MM:SS.mmm.
func FormatTimestamp(hour, minute, second uint8, millis uint16) string {
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hour, minute, second, millis)
}
