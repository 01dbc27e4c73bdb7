package otaproto

import "testing"

func TestStartPayloadRoundTrip(t *testing.T) {
	p := StartPayload{
		FirmwareSize:  2560,
		FirmwareCRC32: 0xDEADBEEF,
		Version:       "1.0.3",
		Project:       "HybridLink",
		BlockSize:     1024,
	}
	raw, err := p.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(raw) != StartPayloadSize {
		t.Fatalf("packed size = %d, want %d", len(raw), StartPayloadSize)
	}
	got, err := UnpackStartPayload(raw)
	if err != nil {
		t.Fatalf("UnpackStartPayload: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestStartPayloadRejectsOverlongStrings(t *testing.T) {
	p := StartPayload{Version: "this version string is far too long to fit in 32 bytes"}
	if _, err := p.Pack(); err == nil {
		t.Fatal("expected error for overlong version string")
	}
}

func TestAckPayloadRoundTrip(t *testing.T) {
	p := AckPayload{ErrorCode: ErrSeq, ExpectedSeq: 3, ReceivedBytes: 2048}
	raw := p.Pack()
	if len(raw) != AckPayloadSize {
		t.Fatalf("packed size = %d, want %d", len(raw), AckPayloadSize)
	}
	got, err := UnpackAckPayload(raw)
	if err != nil {
		t.Fatalf("UnpackAckPayload: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestProgressPayloadRoundTrip(t *testing.T) {
	p := ProgressPayload{Received: 1024, Total: 2560, Percentage: 40}
	raw := p.Pack()
	got, err := UnpackProgressPayload(raw)
	if err != nil {
		t.Fatalf("UnpackProgressPayload: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestStatusPayloadRoundTrip(t *testing.T) {
	p := StatusPayload{
		State:          StateReceiving,
		ErrorCode:      ErrSuccess,
		Received:       1024,
		Total:          2560,
		CurrentVersion: "0.9.1",
	}
	raw, err := p.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(raw) != StatusPayloadSize {
		t.Fatalf("packed size = %d, want %d", len(raw), StatusPayloadSize)
	}
	got, err := UnpackStatusPayload(raw)
	if err != nil {
		t.Fatalf("UnpackStatusPayload: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestUnpackRejectsWrongSize(t *testing.T) {
	if _, err := UnpackAckPayload([]byte{0x00}); err == nil {
		t.Fatal("expected size error")
	}
	if _, err := UnpackProgressPayload(make([]byte, 3)); err == nil {
		t.Fatal("expected size error")
	}
	if _, err := UnpackStatusPayload(make([]byte, 5)); err == nil {
		t.Fatal("expected size error")
	}
	if _, err := UnpackStartPayload(make([]byte, 10)); err == nil {
		t.Fatal("expected size error")
	}
}
