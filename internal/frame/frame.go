// Package frame turns the upstream byte stream into complete telemetry packets.
//
// Two wire variants share one stream: an unframed variant that delivers
// exactly one payload per read, and a framed variant where each payload is
// wrapped as <bl>payload</bl> and any number of frames may be split or
// coalesced across reads.
package frame

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	OpenMarker  = []byte("<bl>")
	CloseMarker = []byte("</bl>")
)

// Overhead is the number of delimiter bytes around a framed payload.
const Overhead = 9

var (
	ErrBadPacketLength = errors.New("bad packet length")
	ErrMalformedStream = errors.New("malformed packet stream")
)

// LengthError reports a candidate whose size matches neither variant.
type LengthError struct {
	Err  error
	Got  int
	Want int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("%v: got %d bytes, want %d", e.Err, e.Got, e.Want)
}

func (e *LengthError) Unwrap() error {
	return e.Err
}

// Packet is one complete wire packet. Raw keeps the delimiters of a framed
// packet so it can be forwarded verbatim.
type Packet struct {
	Raw    []byte
	Framed bool
}

// Payload returns the schema-sized bytes without delimiters.
func (p Packet) Payload() []byte {
	if !p.Framed {
		return p.Raw
	}
	return p.Raw[len(OpenMarker) : len(p.Raw)-len(CloseMarker)]
}

// Classify validates a standalone byte slice, such as a catch-up row, against
// both variants. The bytes are copied.
func Classify(b []byte, payloadWidth int) (Packet, error) {
	switch {
	case len(b) == payloadWidth:
		return Packet{Raw: bytes.Clone(b)}, nil
	case len(b) == payloadWidth+Overhead &&
		bytes.HasPrefix(b, OpenMarker) && bytes.HasSuffix(b, CloseMarker):
		return Packet{Raw: bytes.Clone(b), Framed: true}, nil
	default:
		return Packet{}, &LengthError{Err: ErrBadPacketLength, Got: len(b), Want: payloadWidth}
	}
}
