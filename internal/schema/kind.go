package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of decode kinds a schema entry may declare.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindFloat32
	KindChar
	KindBool
	KindUint8
	KindUint16
)

// ErrUnknownFieldType marks a field whose declared type has no decoder.
var ErrUnknownFieldType = errors.New("unknown field type")

// UnknownKindError names the field and the type string that failed to resolve.
type UnknownKindError struct {
	Field    string
	TypeName string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("field %q: %v %q", e.Field, ErrUnknownFieldType, e.TypeName)
}

func (e *UnknownKindError) Unwrap() error {
	return ErrUnknownFieldType
}

// ParseKind maps a format-file type name to its Kind. Unrecognised names
// yield KindUnknown so the field still occupies its bytes.
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "float", "float32":
		return KindFloat32
	case "char":
		return KindChar
	case "bool", "boolean":
		return KindBool
	case "uint8":
		return KindUint8
	case "uint16":
		return KindUint16
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindFloat32:
		return "float32"
	case KindChar:
		return "char"
	case KindBool:
		return "bool"
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	default:
		return "unknown"
	}
}

// Width is the byte width a kind requires, or 0 when any width is accepted.
func (k Kind) Width() int {
	switch k {
	case KindFloat32:
		return 4
	case KindChar, KindBool, KindUint8:
		return 1
	case KindUint16:
		return 2
	default:
		return 0
	}
}
