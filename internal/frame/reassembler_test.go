package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWidth = 12

func payload(seed byte) []byte {
	p := make([]byte, testWidth)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func framed(p []byte) []byte {
	out := append([]byte{}, OpenMarker...)
	out = append(out, p...)
	return append(out, CloseMarker...)
}

func TestFeedUnframedExactWidth(t *testing.T) {
	r := NewReassembler(testWidth)
	in := payload(1)

	res := r.Feed(in)

	require.Len(t, res.Packets, 1)
	assert.Empty(t, res.Faults)
	assert.Equal(t, in, res.Packets[0].Raw)
	assert.False(t, res.Packets[0].Framed)
	assert.Equal(t, 0, r.Buffered())

	in[0] = 0xFF
	assert.NotEqual(t, in[0], res.Packets[0].Raw[0], "emitted packet must not alias the input")
}

func TestFeedFramedAnySplit(t *testing.T) {
	var stream []byte
	var want [][]byte
	for i := byte(0); i < 3; i++ {
		f := framed(payload(10 * i))
		want = append(want, f)
		stream = append(stream, f...)
	}

	check := func(t *testing.T, chunks [][]byte) {
		t.Helper()
		r := NewReassembler(testWidth)
		var got [][]byte
		for _, c := range chunks {
			res := r.Feed(c)
			require.Empty(t, res.Faults)
			for _, p := range res.Packets {
				require.True(t, p.Framed)
				got = append(got, p.Raw)
			}
		}
		assert.Equal(t, want, got)
		assert.Equal(t, 0, r.Buffered())
	}

	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j++ {
			check(t, [][]byte{stream[:i], stream[i:j], stream[j:]})
		}
	}

	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 200; n++ {
		var chunks [][]byte
		for rest := stream; len(rest) > 0; {
			k := 1 + rng.Intn(len(rest))
			chunks = append(chunks, rest[:k])
			rest = rest[k:]
		}
		check(t, chunks)
	}
}

func TestFeedCoalescedFrames(t *testing.T) {
	r := NewReassembler(testWidth)
	stream := append(framed(payload(1)), framed(payload(2))...)

	res := r.Feed(stream)

	require.Len(t, res.Packets, 2)
	assert.Equal(t, payload(1), res.Packets[0].Payload())
	assert.Equal(t, payload(2), res.Packets[1].Payload())
}

func TestFeedBadLengthFrameDropped(t *testing.T) {
	r := NewReassembler(testWidth)
	short := framed(payload(1)[:5])
	good := framed(payload(2))

	res := r.Feed(append(short, good...))

	require.Len(t, res.Faults, 1)
	assert.True(t, errors.Is(res.Faults[0], ErrBadPacketLength))
	var lerr *LengthError
	require.True(t, errors.As(res.Faults[0], &lerr))
	assert.Equal(t, len(short), lerr.Got)
	require.Len(t, res.Packets, 1)
	assert.Equal(t, good, res.Packets[0].Raw)
}

func TestFeedMalformedResidueCleared(t *testing.T) {
	r := NewReassembler(testWidth)
	junk := bytes.Repeat([]byte{0xAA}, testWidth+Overhead)

	res := r.Feed(junk)

	assert.Empty(t, res.Packets)
	require.Len(t, res.Faults, 1)
	assert.True(t, errors.Is(res.Faults[0], ErrMalformedStream))
	assert.Equal(t, 0, r.Buffered())
}

func TestFeedPartialWaitsForMore(t *testing.T) {
	r := NewReassembler(testWidth)
	f := framed(payload(3))

	res := r.Feed(f[:testWidth])
	assert.Empty(t, res.Packets, "payload-sized prefix of a frame is not an unframed packet")
	assert.Empty(t, res.Faults)
	assert.Equal(t, testWidth, r.Buffered())

	res = r.Feed(f[testWidth:])
	require.Len(t, res.Packets, 1)
	assert.Equal(t, f, res.Packets[0].Raw)
}

func TestFeedUnframedPayloadContainingMarker(t *testing.T) {
	r := NewReassembler(testWidth)
	first := payload(1)
	copy(first[3:], OpenMarker)
	second := payload(2)

	res := r.Feed(first)
	require.Len(t, res.Packets, 1)
	assert.Empty(t, res.Faults)
	assert.Equal(t, first, res.Packets[0].Raw)
	assert.False(t, res.Packets[0].Framed)

	res = r.Feed(second)
	require.Len(t, res.Packets, 1)
	assert.Empty(t, res.Faults)
	assert.Equal(t, second, res.Packets[0].Raw)
	assert.Equal(t, 0, r.Buffered())
}

func TestFeedLeadingGarbageSkipped(t *testing.T) {
	r := NewReassembler(testWidth)
	f := framed(payload(4))

	res := r.Feed(append([]byte("xx"), f...))

	require.Len(t, res.Packets, 1)
	assert.Empty(t, res.Faults)
	assert.Equal(t, f, res.Packets[0].Raw)
}

func TestClassify(t *testing.T) {
	p, err := Classify(payload(1), testWidth)
	require.NoError(t, err)
	assert.False(t, p.Framed)

	p, err = Classify(framed(payload(1)), testWidth)
	require.NoError(t, err)
	assert.True(t, p.Framed)
	assert.Equal(t, payload(1), p.Payload())

	_, err = Classify(payload(1)[:3], testWidth)
	assert.ErrorIs(t, err, ErrBadPacketLength)

	noMarkers := bytes.Repeat([]byte{1}, testWidth+Overhead)
	_, err = Classify(noMarkers, testWidth)
	assert.ErrorIs(t, err, ErrBadPacketLength)
}
