// Package schema describes the fixed-width layout of one telemetry packet.
//
// A schema is loaded once from a format file whose keys are field names and
// whose values are [byteWidth, typeName] pairs, in wire order:
//
//	{"speed": [4, "float"], "gear": [1, "char"], "tstamp_ms": [2, "uint16"]}
//
// The file is parsed as YAML, so plain JSON format files work unchanged.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Field names with reserved meaning to the decoder.
const (
	FieldHour       = "tstamp_hr"
	FieldMinute     = "tstamp_mn"
	FieldSecond     = "tstamp_sc"
	FieldMillis     = "tstamp_ms"
	TimestampSeries = "timestamps"
	LinkStatusField = "solar_car_connection"
)

//go:embed format.json
var defaultFormat []byte

// Role tells the decoder whether a field is one of the timestamp components.
type Role uint8

const (
	RoleValue Role = iota
	RoleHour
	RoleMinute
	RoleSecond
	RoleMillis
)

// Entry is one field of the packet layout.
type Entry struct {
	Name     string
	Width    int
	Kind     Kind
	TypeName string
	Offset   int
	Role     Role
}

// Schema is an ordered, immutable packet layout.
type Schema struct {
	entries []Entry
	width   int
}

// Default returns the layout compiled into the binary.
func Default() (*Schema, error) {
	return Parse(defaultFormat)
}

// Load reads and parses a format file.
func Load(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return s, nil
}

// Parse builds a schema from format-file bytes, keeping the key order of the
// document as the wire order.
func Parse(raw []byte) (*Schema, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("format must be a mapping of field name to [width, type]")
	}

	m := doc.Content[0]
	entries := make([]Entry, 0, len(m.Content)/2)
	seen := make(map[string]struct{}, len(m.Content)/2)
	offset := 0
	for i := 0; i+1 < len(m.Content); i += 2 {
		name := m.Content[i].Value
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("field %q declared twice", name)
		}
		seen[name] = struct{}{}

		var spec []yaml.Node
		if err := m.Content[i+1].Decode(&spec); err != nil || len(spec) != 2 {
			return nil, fmt.Errorf("field %q: want [width, type]", name)
		}
		var width int
		if err := spec[0].Decode(&width); err != nil {
			return nil, fmt.Errorf("field %q: width: %w", name, err)
		}
		var typeName string
		if err := spec[1].Decode(&typeName); err != nil {
			return nil, fmt.Errorf("field %q: type: %w", name, err)
		}

		e, err := newEntry(name, width, typeName, offset)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		offset += width
	}
	return New(entries...)
}

// New assembles a schema from entries in wire order. Offsets are recomputed.
func New(entries ...Entry) (*Schema, error) {
	if len(entries) == 0 {
		return nil, errors.New("schema has no fields")
	}
	out := make([]Entry, len(entries))
	offset := 0
	for i, e := range entries {
		if e.Width <= 0 {
			return nil, fmt.Errorf("field %q: width must be > 0", e.Name)
		}
		if want := e.Kind.Width(); want != 0 && want != e.Width {
			return nil, fmt.Errorf("field %q: %s needs %d bytes, got %d", e.Name, e.Kind, want, e.Width)
		}
		e.Offset = offset
		e.Role = roleOf(e.Name)
		if err := checkRole(e); err != nil {
			return nil, err
		}
		out[i] = e
		offset += e.Width
	}
	return &Schema{entries: out, width: offset}, nil
}

// Width is the total byte width of one packet payload.
func (s *Schema) Width() int {
	return s.width
}

// Entries returns a copy of the layout in wire order.
func (s *Schema) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Len is the number of fields.
func (s *Schema) Len() int {
	return len(s.entries)
}

func newEntry(name string, width int, typeName string, offset int) (Entry, error) {
	if name == "" {
		return Entry{}, errors.New("field with empty name")
	}
	return Entry{
		Name:     name,
		Width:    width,
		Kind:     ParseKind(typeName),
		TypeName: typeName,
		Offset:   offset,
	}, nil
}

func roleOf(name string) Role {
	switch name {
	case FieldHour:
		return RoleHour
	case FieldMinute:
		return RoleMinute
	case FieldSecond:
		return RoleSecond
	case FieldMillis:
		return RoleMillis
	default:
		return RoleValue
	}
}

func checkRole(e Entry) error {
	switch e.Role {
	case RoleHour, RoleMinute, RoleSecond:
		if e.Kind != KindUint8 {
			return fmt.Errorf("timestamp field %q must be uint8", e.Name)
		}
	case RoleMillis:
		if e.Kind != KindUint16 {
			return fmt.Errorf("timestamp field %q must be uint16", e.Name)
		}
	}
	return nil
}
