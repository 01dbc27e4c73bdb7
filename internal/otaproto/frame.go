package otaproto

import (
	"encoding/binary"
	"fmt"
)

const (
	magic1 = 0xAA
	magic2 = 0x55
	magic3 = 0x55
	magic4 = 0xAA

	// ProtocolVersion is the only version this codec understands.
	ProtocolVersion = 0x01

	// HeaderSize is magic1+magic2+version+command+sequence+offset+length+reserved.
	HeaderSize = 14
	// FooterSize is crc16+magic3+magic4.
	FooterSize = 4
	// MaxPayload bounds a single frame's payload per §3.
	MaxPayload = 1024
)

// Header is the fixed 14-byte frame header described in spec §3. Reserved
// trailer bytes are always written as zero and are not exposed.
type Header struct {
	Command  Command
	Sequence uint16
	Offset   uint32
	Length   uint16
}

// PackFrame builds a complete wire frame: header, payload, footer.
func PackFrame(cmd Command, sequence uint16, offset uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("otaproto: pack %s: %w (%d bytes)", cmd, ErrPayloadTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload)+FooterSize)
	buf[0] = magic1
	buf[1] = magic2
	buf[2] = ProtocolVersion
	buf[3] = byte(cmd)
	binary.LittleEndian.PutUint16(buf[4:6], sequence)
	binary.LittleEndian.PutUint32(buf[6:10], offset)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(payload)))
	// buf[12:14] reserved, left zero.
	copy(buf[HeaderSize:], payload)

	crc := CRC16(buf[:HeaderSize+len(payload)])
	footer := buf[HeaderSize+len(payload):]
	binary.LittleEndian.PutUint16(footer[0:2], crc)
	footer[2] = magic3
	footer[3] = magic4
	return buf, nil
}

// UnpackHeader parses the first HeaderSize bytes of b into a Header. It does
// not validate the footer or CRC; callers that have a complete frame should
// use ParseFrame instead.
func UnpackHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, ErrShortBuffer
	}
	if b[0] != magic1 || b[1] != magic2 {
		return h, ErrBadMagic
	}
	if b[2] != ProtocolVersion {
		return h, fmt.Errorf("otaproto: version 0x%02X: %w", b[2], ErrBadVersion)
	}
	h.Command = Command(b[3])
	h.Sequence = binary.LittleEndian.Uint16(b[4:6])
	h.Offset = binary.LittleEndian.Uint32(b[6:10])
	h.Length = binary.LittleEndian.Uint16(b[10:12])
	if h.Length > MaxPayload {
		return h, fmt.Errorf("otaproto: length %d: %w", h.Length, ErrPayloadTooLarge)
	}
	return h, nil
}

// Frame is a fully parsed and CRC-validated wire frame.
type Frame struct {
	Header
	Payload []byte
}

// ParseFrame validates and decodes a byte slice that is expected to hold
// exactly one complete frame (HeaderSize + payload + FooterSize bytes). It
// checks both magics, the declared length, and the CRC-16 over header and
// payload before returning.
func ParseFrame(b []byte) (Frame, error) {
	h, err := UnpackHeader(b)
	if err != nil {
		return Frame{}, err
	}
	total := HeaderSize + int(h.Length) + FooterSize
	if len(b) < total {
		return Frame{}, ErrShortBuffer
	}
	footer := b[HeaderSize+int(h.Length) : total]
	if footer[2] != magic3 || footer[3] != magic4 {
		return Frame{}, ErrBadMagic
	}
	wantCRC := binary.LittleEndian.Uint16(footer[0:2])
	gotCRC := CRC16(b[:HeaderSize+int(h.Length)])
	if wantCRC != gotCRC {
		return Frame{}, fmt.Errorf("otaproto: want crc16=0x%04X got 0x%04X: %w", wantCRC, gotCRC, ErrBadCRC)
	}
	payload := make([]byte, h.Length)
	copy(payload, b[HeaderSize:HeaderSize+int(h.Length)])
	return Frame{Header: h, Payload: payload}, nil
}
