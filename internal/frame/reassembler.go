package frame

import (
	"bytes"
)

// Result is what one Feed call produced. Faults holds one error per dropped
// candidate or discarded residue, in the order they were found.
type Result struct {
	Packets []Packet
	Faults  []error
}

// Reassembler accumulates stream bytes and extracts packets. It is not safe
// for concurrent use; the upstream connector owns one per connection.
type Reassembler struct {
	width int
	buf   []byte
}

func NewReassembler(payloadWidth int) *Reassembler {
	return &Reassembler{width: payloadWidth}
}

// Feed appends chunk to the accumulation buffer and returns every packet that
// became complete.
func (r *Reassembler) Feed(chunk []byte) Result {
	r.buf = append(r.buf, chunk...)

	var res Result
	// A partial frame can be exactly payload-sized. Payload bytes may contain
	// the marker anywhere, so only a leading marker marks the buffer as framed.
	if len(r.buf) == r.width && !bytes.HasPrefix(r.buf, OpenMarker) {
		res.Packets = append(res.Packets, Packet{Raw: r.take(len(r.buf))})
		return res
	}

	framedWidth := r.width + Overhead
	for {
		open := bytes.Index(r.buf, OpenMarker)
		if open < 0 {
			break
		}
		rel := bytes.Index(r.buf[open+len(OpenMarker):], CloseMarker)
		if rel < 0 {
			break
		}
		end := open + len(OpenMarker) + rel + len(CloseMarker)

		candidate := r.take(end)[open:]
		if len(candidate) == framedWidth {
			res.Packets = append(res.Packets, Packet{Raw: candidate, Framed: true})
		} else {
			res.Faults = append(res.Faults, &LengthError{Err: ErrBadPacketLength, Got: len(candidate), Want: framedWidth})
		}
	}

	if len(r.buf) >= framedWidth {
		res.Faults = append(res.Faults, &LengthError{Err: ErrMalformedStream, Got: len(r.buf), Want: framedWidth})
		r.Reset()
	}
	return res
}

// Buffered is the number of bytes waiting for a complete packet.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Reset drops any partial data, e.g. after the connection is replaced.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}

// take removes the first n bytes from the buffer and returns them as a new slice.
func (r *Reassembler) take(n int) []byte {
	out := bytes.Clone(r.buf[:n])
	rest := copy(r.buf, r.buf[n:])
	r.buf = r.buf[:rest]
	return out
}
