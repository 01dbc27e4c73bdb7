package rpc

import (
	"testing"
	"time"

	"github.com/brifk/uart-ota-gateway/internal/otaproto"
)

type scriptedLink struct {
	t    *testing.T
	next func(seq uint16) (otaproto.Frame, error)
	sent []otaproto.Frame
	gen  uint64
}

func (l *scriptedLink) BeginWait() uint64 { l.gen++; return l.gen }

func (l *scriptedLink) Send(cmd otaproto.Command, sequence uint16, offset uint32, payload []byte) error {
	raw, err := otaproto.PackFrame(cmd, sequence, offset, payload)
	if err != nil {
		return err
	}
	fr, err := otaproto.ParseFrame(raw)
	if err != nil {
		return err
	}
	l.sent = append(l.sent, fr)
	return nil
}

func (l *scriptedLink) Wait(token uint64, timeout time.Duration) (otaproto.Frame, error) {
	last := l.sent[len(l.sent)-1]
	return l.next(last.Sequence)
}

func replyFrame(t *testing.T, cmd otaproto.Command, seq uint16, payload []byte) otaproto.Frame {
	t.Helper()
	raw, err := otaproto.PackFrame(cmd, seq, 0, payload)
	if err != nil {
		t.Fatal(err)
	}
	fr, err := otaproto.ParseFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	return fr
}

func TestQueryStatusReturnsParsedPayload(t *testing.T) {
	want := otaproto.StatusPayload{
		State:          otaproto.StateReceiving,
		ErrorCode:      otaproto.ErrSuccess,
		Received:       512,
		Total:          2048,
		CurrentVersion: "1.2.3",
	}
	payload, err := want.Pack()
	if err != nil {
		t.Fatal(err)
	}
	lk := &scriptedLink{t: t, next: func(seq uint16) (otaproto.Frame, error) {
		if seq != 1 {
			t.Fatalf("expected sequence=1, got %d", seq)
		}
		return replyFrame(t, otaproto.CmdStatusResp, seq, payload), nil
	}}

	c := New(lk)
	got, err := c.QueryStatus()
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRequestRollbackSuccess(t *testing.T) {
	lk := &scriptedLink{t: t, next: func(seq uint16) (otaproto.Frame, error) {
		return replyFrame(t, otaproto.CmdAck, seq, nil), nil
	}}
	c := New(lk)
	ok, err := c.RequestRollback()
	if err != nil {
		t.Fatalf("RequestRollback: %v", err)
	}
	if !ok {
		t.Fatal("expected rollback acknowledged")
	}
}

func TestRequestRollbackRejected(t *testing.T) {
	lk := &scriptedLink{t: t, next: func(seq uint16) (otaproto.Frame, error) {
		return replyFrame(t, otaproto.CmdNack, seq, otaproto.AckPayload{ErrorCode: otaproto.ErrRollbackFailed}.Pack()), nil
	}}
	c := New(lk)
	ok, err := c.RequestRollback()
	if err != nil {
		t.Fatalf("RequestRollback: %v", err)
	}
	if ok {
		t.Fatal("expected rollback not acknowledged")
	}
}

func TestSequenceIncrementsAcrossCalls(t *testing.T) {
	var seqs []uint16
	lk := &scriptedLink{t: t, next: func(seq uint16) (otaproto.Frame, error) {
		seqs = append(seqs, seq)
		return replyFrame(t, otaproto.CmdAck, seq, nil), nil
	}}
	c := New(lk)
	if _, err := c.RequestRollback(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.RequestRollback(); err != nil {
		t.Fatal(err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("unexpected sequence progression: %v", seqs)
	}
}
