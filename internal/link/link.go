// Package link owns the serial endpoint and implements the concurrency
// contract of spec §4.3/§5: a single reader goroutine drains the port into
// the framer and classifies each parsed frame as a Reply (answers an
// outstanding request) or an Async event (PROGRESS, COMPLETE), while a
// single caller at a time writes frames and waits for a reply.
//
// This is a direct generalization of the teacher's cnl.Handshake
// reader/caller rendezvous, extended with a generation counter: the source
// material's "latched reply + bare event" design admits a race where a
// stale reply satisfies a new wait (spec §9, Design Notes). BeginWait
// opens a fresh generation before each request is sent, which closes the part of
// that race the Link can actually see: a timed-out Wait never clears a
// later generation's waiting flag, and a reply is dropped once nothing is
// waiting. The wire carries no per-request correlation id, though, so a
// reply that was in flight for an abandoned request can still be delivered
// to a retry's fresh wait if it arrives after the retry has begun — closing
// that gap needs a correlation id on the wire, not more bookkeeping here.
//
// COMPLETE is dispatched as both a Reply and an Async event: it is the
// END phase's actual reply (unblocking a Sender's Wait) and an async
// completion notification (firing Hooks.OnComplete) at the same time.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/brifk/uart-ota-gateway/internal/asynctx"
	"github.com/brifk/uart-ota-gateway/internal/framer"
	"github.com/brifk/uart-ota-gateway/internal/logging"
	"github.com/brifk/uart-ota-gateway/internal/otametrics"
	"github.com/brifk/uart-ota-gateway/internal/otaproto"
	"github.com/brifk/uart-ota-gateway/internal/serialport"
)

// Read-error backoff bounds for the reader goroutine, mirroring the
// teacher's serial RX loop.
const (
	rxBackoffMin = 5 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// ErrClosed is returned by Write and Wait once the Link has been shut down.
var ErrClosed = errors.New("link: closed")

// ErrTimeout is returned by Wait when no reply arrives within the deadline.
var ErrTimeout = errors.New("link: timeout waiting for reply")

// Hooks are invoked from the reader goroutine for asynchronous target
// events. Per spec §6, handlers MUST be non-blocking.
type Hooks struct {
	OnProgress func(received, total uint32, percent uint8)
	OnComplete func(success bool, errorCode otaproto.ErrorCode)
}

// Link owns a serialport.Port and runs the reader/writer plumbing described
// in spec §5. Only one caller may Wait at a time; Sender and the RPC
// callers are responsible for that serialization (spec §4.3 "the Sender
// serializes").
type Link struct {
	port serialport.Port
	tx   *asynctx.AsyncTx[[]byte]
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	hooks Hooks

	mu         sync.Mutex
	generation uint64
	waiting    bool
	replyCh    chan otaproto.Frame
}

// New starts the reader and writer goroutines over port. txBuf bounds the
// asynchronous write queue; a single write in flight is typical for this
// protocol's strict request/response discipline, so a small buffer (e.g. 4)
// is plenty.
func New(parent context.Context, port serialport.Port, txBuf int, hooks Hooks) *Link {
	ctx, cancel := context.WithCancel(parent)
	l := &Link{
		port:  port,
		ctx:   ctx,
		stop:  cancel,
		hooks: hooks,
	}
	l.tx = asynctx.New(ctx, txBuf, func(raw []byte) error {
		_, err := l.port.Write(raw)
		return err
	}, asynctx.Hooks[[]byte]{
		OnError: func(_ []byte, err error) {
			otametrics.IncError(otametrics.ErrSerialWrite)
			logging.L().Error("link_write_error", "error", err)
		},
		OnDrop: func([]byte) error {
			otametrics.IncError(otametrics.ErrTxOverflow)
			return asynctx.ErrClosed
		},
	})
	l.wg.Add(1)
	go l.readLoop()
	return l
}

// Send encodes and queues a frame for asynchronous write. It does not wait
// for a reply; pair with Wait for request/response semantics.
func (l *Link) Send(cmd otaproto.Command, sequence uint16, offset uint32, payload []byte) error {
	raw, err := otaproto.PackFrame(cmd, sequence, offset, payload)
	if err != nil {
		return fmt.Errorf("link: pack %s: %w", cmd, err)
	}
	if err := l.tx.Send(raw); err != nil {
		return err
	}
	otametrics.IncFrameSent(cmd.String())
	return nil
}

// BeginWait arms the reply latch for a fresh generation and returns a token
// that must be passed to Wait. Call BeginWait before sending the request
// frame so a reply arriving immediately after the write cannot be missed.
func (l *Link) BeginWait() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	l.waiting = true
	l.replyCh = make(chan otaproto.Frame, 1)
	return l.generation
}

// Wait blocks until a reply frame is delivered for the generation returned
// by BeginWait, the deadline elapses, or the Link is closed. A reply that
// arrives once nothing is waiting is dropped. A reply that was already in
// flight for this request when it timed out can still arrive after a
// subsequent BeginWait and be delivered to that later wait instead — the
// wire has no correlation id to tell the two apart.
func (l *Link) Wait(token uint64, timeout time.Duration) (otaproto.Frame, error) {
	l.mu.Lock()
	if token != l.generation {
		l.mu.Unlock()
		return otaproto.Frame{}, ErrTimeout
	}
	ch := l.replyCh
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case fr := <-ch:
		return fr, nil
	case <-timer.C:
		l.mu.Lock()
		if token == l.generation {
			l.waiting = false
		}
		l.mu.Unlock()
		return otaproto.Frame{}, ErrTimeout
	case <-l.ctx.Done():
		return otaproto.Frame{}, ErrClosed
	}
}

func (l *Link) readLoop() {
	defer l.wg.Done()
	defer logging.L().Info("link_read_end")
	var buf []byte
	chunk := make([]byte, 512)
	backoff := rxBackoffMin
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}
		n, err := l.port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				fr, rest, ok := framer.Extract(buf)
				buf = rest
				if !ok {
					break
				}
				l.dispatch(fr)
			}
			backoff = rxBackoffMin
		}
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				logging.L().Error("link_read_fatal", "error", err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout on an empty port; expected in steady state
			}
			otametrics.IncError(otametrics.ErrSerialRead)
			logging.L().Warn("link_read_error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}

func (l *Link) dispatch(fr otaproto.Frame) {
	otametrics.IncFrameReceived(fr.Command.String())
	logging.L().Debug("link_recv", "command", fr.Command.String(), "sequence", fr.Sequence)

	switch {
	case fr.Command == otaproto.CmdComplete:
		// COMPLETE both satisfies an outstanding END wait and fires the
		// async completion hook; order doesn't matter since dispatchReply
		// only ever touches the wait latch and dispatchAsync only the hook.
		l.dispatchReply(fr)
		l.dispatchAsync(fr)
	case fr.Command.IsReply():
		l.dispatchReply(fr)
	case fr.Command.IsAsync():
		l.dispatchAsync(fr)
	default:
		otametrics.IncMalformed()
		logging.L().Warn("link_unknown_command", "command", byte(fr.Command))
	}
}

func (l *Link) dispatchAsync(fr otaproto.Frame) {
	switch fr.Command {
	case otaproto.CmdProgress:
		if l.hooks.OnProgress == nil {
			return
		}
		p, err := otaproto.UnpackProgressPayload(fr.Payload)
		if err != nil {
			logging.L().Warn("link_bad_progress_payload", "error", err)
			return
		}
		l.hooks.OnProgress(p.Received, p.Total, p.Percentage)
	case otaproto.CmdComplete:
		if l.hooks.OnComplete == nil {
			return
		}
		l.hooks.OnComplete(true, otaproto.ErrSuccess)
	}
}

func (l *Link) dispatchReply(fr otaproto.Frame) {
	l.mu.Lock()
	if !l.waiting {
		l.mu.Unlock()
		return
	}
	ch := l.replyCh
	l.waiting = false
	l.mu.Unlock()

	select {
	case ch <- fr:
	default:
		// Waiter already timed out and stopped listening; drop.
	}
}

// Close stops the reader and writer and releases the port.
func (l *Link) Close() error {
	l.stop()
	l.tx.Close()
	l.wg.Wait()
	return l.port.Close()
}
