// Package framer locates and validates frame boundaries in a byte stream
// per spec §4.2: scan for the header magic, sanity-check the declared
// length, verify the footer magic and CRC-16, and resync one byte at a time
// on any failure rather than discarding the whole window.
package framer

import (
	"bytes"

	"github.com/brifk/uart-ota-gateway/internal/otaproto"
)

var headerMagic = []byte{0xAA, 0x55}

// Extract scans buf for the first complete, CRC-valid frame. On success it
// returns the parsed frame and the slice of buf following it. If no frame
// can be extracted yet, ok is false and rest holds what callers should keep
// buffering: any leading bytes that cannot begin a frame are discarded, but
// a single trailing byte is retained when it equals the first magic byte so
// a frame whose magic straddles a read boundary is never lost (spec §9
// Design Notes).
func Extract(buf []byte) (fr otaproto.Frame, rest []byte, ok bool) {
	for {
		i := bytes.Index(buf, headerMagic)
		if i < 0 {
			if len(buf) > 0 && buf[len(buf)-1] == headerMagic[0] {
				return otaproto.Frame{}, buf[len(buf)-1:], false
			}
			return otaproto.Frame{}, nil, false
		}
		buf = buf[i:]

		if len(buf) < otaproto.HeaderSize {
			return otaproto.Frame{}, buf, false
		}
		h, err := otaproto.UnpackHeader(buf)
		if err != nil {
			// Magic matched by coincidence inside garbage; this header
			// cannot be trusted. Advance one byte and keep scanning.
			buf = buf[1:]
			continue
		}
		total := otaproto.HeaderSize + int(h.Length) + otaproto.FooterSize
		if len(buf) < total {
			return otaproto.Frame{}, buf, false
		}
		parsed, err := otaproto.ParseFrame(buf[:total])
		if err != nil {
			// Footer magic or CRC failed; same coincidental-match recovery.
			buf = buf[1:]
			continue
		}
		return parsed, buf[total:], true
	}
}
