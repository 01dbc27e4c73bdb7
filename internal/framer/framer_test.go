package framer

import (
	"bytes"
	"testing"

	"github.com/brifk/uart-ota-gateway/internal/otaproto"
)

func buildAck(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	raw, err := otaproto.PackFrame(otaproto.CmdAck, seq, 0, payload)
	if err != nil {
		t.Fatalf("PackFrame: %v", err)
	}
	return raw
}

// TestExtractRoundTrip: extract(build(F) || B) yields F and B.
func TestExtractRoundTrip(t *testing.T) {
	frame := buildAck(t, 7, []byte{0x01, 0x02, 0x03})
	tail := []byte("GARBAGE")
	buf := append(append([]byte{}, frame...), tail...)

	fr, rest, ok := Extract(buf)
	if !ok {
		t.Fatal("expected a frame")
	}
	if fr.Command != otaproto.CmdAck || fr.Sequence != 7 {
		t.Fatalf("unexpected frame: %+v", fr.Header)
	}
	if !bytes.Equal(rest, tail) {
		t.Fatalf("rest = %q, want %q", rest, tail)
	}
}

// TestExtractResync follows the shape of spec §8 scenario 3 (leading FF FF
// noise, a valid ACK, then GARBAGE): the noise before the frame is
// discarded, and the tail survives untouched.
func TestExtractResync(t *testing.T) {
	frame := buildAck(t, 1, []byte{0xDE, 0xAD, 0xBE})
	buf := append([]byte{0xFF, 0xFF}, frame...)
	buf = append(buf, []byte("GARBAGE")...)

	fr, rest, ok := Extract(buf)
	if !ok {
		t.Fatal("expected a frame")
	}
	if fr.Command != otaproto.CmdAck {
		t.Fatalf("unexpected command: %v", fr.Command)
	}
	if !bytes.Equal(rest, []byte("GARBAGE")) {
		t.Fatalf("rest = %q, want GARBAGE", rest)
	}
}

// TestExtractNoFrameKeepsAtMostOneByte covers the random-bytes invariant.
func TestExtractNoFrameKeepsAtMostOneByte(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x01, 0x02, 0x03},
		{0x00, 0xAA}, // trailing magic1 candidate
		{0xAA},
	}
	for _, in := range cases {
		_, rest, ok := Extract(in)
		if ok {
			t.Fatalf("input % X: unexpected frame", in)
		}
		if len(rest) > 1 {
			t.Fatalf("input % X: rest=% X, want at most 1 byte", in, rest)
		}
	}
}

// TestExtractTrailingMagicRetained ensures a lone trailing 0xAA survives a
// failed scan so a frame split across a read boundary is not lost.
func TestExtractTrailingMagicRetained(t *testing.T) {
	_, rest, ok := Extract([]byte{0x01, 0x02, 0xAA})
	if ok {
		t.Fatal("expected no frame yet")
	}
	if !bytes.Equal(rest, []byte{0xAA}) {
		t.Fatalf("rest = % X, want AA", rest)
	}
}

// TestExtractOverlongLengthResyncs crafts a header whose declared length
// exceeds 1024 and checks the framer resyncs past it instead of waiting
// forever for bytes that will never arrive.
func TestExtractOverlongLengthResyncs(t *testing.T) {
	bad := make([]byte, otaproto.HeaderSize)
	bad[0], bad[1] = 0xAA, 0x55
	bad[2] = otaproto.ProtocolVersion
	bad[3] = byte(otaproto.CmdAck)
	bad[10], bad[11] = 0xFF, 0xFF // length = 0xFFFF > 1024

	good := buildAck(t, 2, []byte{0x09})
	buf := append(bad, good...)

	fr, rest, ok := Extract(buf)
	if !ok {
		t.Fatal("expected the framer to resync onto the valid frame")
	}
	if fr.Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", fr.Sequence)
	}
	if len(rest) != 0 {
		t.Fatalf("rest = % X, want empty", rest)
	}
}

// TestExtractPartialFrameWaitsForMoreBytes checks step 4/5 of §4.2: an
// incomplete frame yields no result and keeps everything from the magic on.
func TestExtractPartialFrameWaitsForMoreBytes(t *testing.T) {
	frame := buildAck(t, 3, []byte{0x01, 0x02, 0x03, 0x04})
	partial := frame[:len(frame)-2]

	_, rest, ok := Extract(partial)
	if ok {
		t.Fatal("expected no frame from a truncated buffer")
	}
	if !bytes.Equal(rest, partial) {
		t.Fatalf("rest = % X, want the full partial buffer retained", rest)
	}
}

// TestExtractCorruptedCRCResyncs ensures a CRC mismatch does not get mistaken
// for a valid frame and that scanning continues past it.
func TestExtractCorruptedCRCResyncs(t *testing.T) {
	frame := buildAck(t, 4, []byte{0xAA}) // payload starting with 0xAA to try to confuse the scanner
	frame[len(frame)-3] ^= 0xFF           // flip a CRC byte
	good := buildAck(t, 5, []byte{0x10})
	buf := append(frame, good...)

	fr, rest, ok := Extract(buf)
	if !ok {
		t.Fatal("expected to resync onto the trailing valid frame")
	}
	if fr.Sequence != 5 {
		t.Fatalf("sequence = %d, want 5", fr.Sequence)
	}
	if len(rest) != 0 {
		t.Fatalf("rest = % X, want empty", rest)
	}
}
