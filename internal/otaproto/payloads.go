package otaproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// stringFieldSize is the fixed width of the version/project fixed-size
// string fields (§3).
const stringFieldSize = 32

// packString encodes s into an n-byte null-padded field. Per the Design
// Notes resolution (SPEC_FULL.md §12), an overlong string is rejected
// rather than silently truncated.
func packString(s string, n int) ([]byte, error) {
	b := []byte(s)
	if len(b) > n {
		return nil, fmt.Errorf("otaproto: %q is %d bytes, max %d: %w", s, len(b), n, ErrStringTooLong)
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func unpackString(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

// StartPayload accompanies a START frame: declares the image size, its
// CRC-32, version/project identifiers, and the block size the gateway will
// use for DATA frames. 76 bytes packed.
type StartPayload struct {
	FirmwareSize  uint32
	FirmwareCRC32 uint32
	Version       string
	Project       string
	BlockSize     uint32
}

// StartPayloadSize is the packed wire size of StartPayload.
const StartPayloadSize = 4 + 4 + stringFieldSize + stringFieldSize + 4

// Pack encodes the payload, rejecting version/project strings over 32 bytes.
func (p StartPayload) Pack() ([]byte, error) {
	version, err := packString(p.Version, stringFieldSize)
	if err != nil {
		return nil, err
	}
	project, err := packString(p.Project, stringFieldSize)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, StartPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.FirmwareSize)
	binary.LittleEndian.PutUint32(buf[4:8], p.FirmwareCRC32)
	copy(buf[8:8+stringFieldSize], version)
	copy(buf[8+stringFieldSize:8+2*stringFieldSize], project)
	binary.LittleEndian.PutUint32(buf[8+2*stringFieldSize:], p.BlockSize)
	return buf, nil
}

// UnpackStartPayload decodes a START payload.
func UnpackStartPayload(b []byte) (StartPayload, error) {
	var p StartPayload
	if len(b) != StartPayloadSize {
		return p, fmt.Errorf("otaproto: start payload is %d bytes, want %d: %w", len(b), StartPayloadSize, ErrBadPayloadSize)
	}
	p.FirmwareSize = binary.LittleEndian.Uint32(b[0:4])
	p.FirmwareCRC32 = binary.LittleEndian.Uint32(b[4:8])
	p.Version = unpackString(b[8 : 8+stringFieldSize])
	p.Project = unpackString(b[8+stringFieldSize : 8+2*stringFieldSize])
	p.BlockSize = binary.LittleEndian.Uint32(b[8+2*stringFieldSize:])
	return p, nil
}

// AckPayload accompanies ACK and NACK frames. 7 bytes packed.
type AckPayload struct {
	ErrorCode     ErrorCode
	ExpectedSeq   uint16
	ReceivedBytes uint32
}

// AckPayloadSize is the packed wire size of AckPayload.
const AckPayloadSize = 1 + 2 + 4

func (p AckPayload) Pack() []byte {
	buf := make([]byte, AckPayloadSize)
	buf[0] = byte(p.ErrorCode)
	binary.LittleEndian.PutUint16(buf[1:3], p.ExpectedSeq)
	binary.LittleEndian.PutUint32(buf[3:7], p.ReceivedBytes)
	return buf
}

// UnpackAckPayload decodes an ACK/NACK payload.
func UnpackAckPayload(b []byte) (AckPayload, error) {
	var p AckPayload
	if len(b) != AckPayloadSize {
		return p, fmt.Errorf("otaproto: ack payload is %d bytes, want %d: %w", len(b), AckPayloadSize, ErrBadPayloadSize)
	}
	p.ErrorCode = ErrorCode(b[0])
	p.ExpectedSeq = binary.LittleEndian.Uint16(b[1:3])
	p.ReceivedBytes = binary.LittleEndian.Uint32(b[3:7])
	return p, nil
}

// ProgressPayload accompanies an asynchronous PROGRESS frame. 9 bytes packed.
type ProgressPayload struct {
	Received   uint32
	Total      uint32
	Percentage uint8
}

// ProgressPayloadSize is the packed wire size of ProgressPayload.
const ProgressPayloadSize = 4 + 4 + 1

func (p ProgressPayload) Pack() []byte {
	buf := make([]byte, ProgressPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.Received)
	binary.LittleEndian.PutUint32(buf[4:8], p.Total)
	buf[8] = p.Percentage
	return buf
}

// UnpackProgressPayload decodes a PROGRESS payload.
func UnpackProgressPayload(b []byte) (ProgressPayload, error) {
	var p ProgressPayload
	if len(b) != ProgressPayloadSize {
		return p, fmt.Errorf("otaproto: progress payload is %d bytes, want %d: %w", len(b), ProgressPayloadSize, ErrBadPayloadSize)
	}
	p.Received = binary.LittleEndian.Uint32(b[0:4])
	p.Total = binary.LittleEndian.Uint32(b[4:8])
	p.Percentage = b[8]
	return p, nil
}

// StatusPayload accompanies a STATUS_RESP frame. 42 bytes packed.
type StatusPayload struct {
	State          State
	ErrorCode      ErrorCode
	Received       uint32
	Total          uint32
	CurrentVersion string
}

// StatusPayloadSize is the packed wire size of StatusPayload.
const StatusPayloadSize = 1 + 1 + 4 + 4 + stringFieldSize

func (p StatusPayload) Pack() ([]byte, error) {
	version, err := packString(p.CurrentVersion, stringFieldSize)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, StatusPayloadSize)
	buf[0] = byte(p.State)
	buf[1] = byte(p.ErrorCode)
	binary.LittleEndian.PutUint32(buf[2:6], p.Received)
	binary.LittleEndian.PutUint32(buf[6:10], p.Total)
	copy(buf[10:10+stringFieldSize], version)
	return buf, nil
}

// UnpackStatusPayload decodes a STATUS_RESP payload.
func UnpackStatusPayload(b []byte) (StatusPayload, error) {
	var p StatusPayload
	if len(b) != StatusPayloadSize {
		return p, fmt.Errorf("otaproto: status payload is %d bytes, want %d: %w", len(b), StatusPayloadSize, ErrBadPayloadSize)
	}
	p.State = State(b[0])
	p.ErrorCode = ErrorCode(b[1])
	p.Received = binary.LittleEndian.Uint32(b[2:6])
	p.Total = binary.LittleEndian.Uint32(b[6:10])
	p.CurrentVersion = unpackString(b[10 : 10+stringFieldSize])
	return p, nil
}
