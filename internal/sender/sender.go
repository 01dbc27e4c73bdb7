// Package sender drives the OTA state machine of spec §4.4: START, then
// zero or more DATA blocks, then END, with bounded per-phase retries and
// timeouts, ERR_SEQ sequence recovery, and a best-effort ABORT on any
// failure reachable after START has been acknowledged.
package sender

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"sync"
	"time"

	"github.com/brifk/uart-ota-gateway/internal/logging"
	"github.com/brifk/uart-ota-gateway/internal/otametrics"
	"github.com/brifk/uart-ota-gateway/internal/otaproto"
)

// Link is the subset of *link.Link the Sender needs: a reply-latch
// request/response seam, satisfied both by the real link and by fakes in
// tests.
type Link interface {
	BeginWait() uint64
	Send(cmd otaproto.Command, sequence uint16, offset uint32, payload []byte) error
	Wait(token uint64, timeout time.Duration) (otaproto.Frame, error)
}

// State is the Sender's own lifecycle state, distinct from otaproto.State
// (which is the target's reported state over STATUS_RESP).
type State int

const (
	StateIdle State = iota
	StateStartSent
	StateStreaming
	StateEndSent
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStartSent:
		return "StartSent"
	case StateStreaming:
		return "Streaming"
	case StateEndSent:
		return "EndSent"
	case StateSuccess:
		return "Success"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Reason buckets a Failed outcome per the §7 error taxonomy.
type Reason string

const (
	ReasonTransport Reason = otametrics.ReasonTransport
	ReasonFraming   Reason = otametrics.ReasonFraming
	ReasonTimeout   Reason = otametrics.ReasonTimeout
	ReasonPeer      Reason = otametrics.ReasonPeer
	ReasonArgument  Reason = otametrics.ReasonArgument
)

// ErrRetriesExhausted marks a timeout-bucket failure after the retry budget
// for a phase is spent.
var ErrRetriesExhausted = errors.New("sender: retries exhausted")

// ErrSequenceInvalid marks an unexpected or out-of-band reply to a request.
var ErrSequenceInvalid = errors.New("sender: unexpected reply")

// ErrTooLarge marks an image whose declared size cannot be sent.
var ErrTooLarge = errors.New("sender: image exceeds maximum size")

// Outcome is the single tagged result of a transfer (§7: "surfaced as a
// single tagged outcome").
type Outcome struct {
	Success   bool
	Reason    Reason
	PeerError otaproto.ErrorCode
	Err       error
}

func (o Outcome) String() string {
	if o.Success {
		return "Success"
	}
	return fmt.Sprintf("Failed{reason=%s, peer_error=%s, err=%v}", o.Reason, o.PeerError, o.Err)
}

// Hooks report transfer progress; both are advisory per §4.4.
type Hooks struct {
	OnProgress func(offset, total uint32, percent uint8)
	OnComplete func(outcome Outcome)
}

// Sender drives one transfer at a time over a *link.Link. Per §4.5, the
// Sender and any RPC caller sharing the Link must serialize: the Sender
// does not enforce this itself, callers must not invoke RPC mid-transfer.
type Sender struct {
	lk    Link
	hooks Hooks

	startTimeout time.Duration
	dataTimeout  time.Duration
	endTimeout   time.Duration
	maxRetries   int
	blockSize    int

	mu    sync.RWMutex
	state State
}

// State returns the Sender's current lifecycle state.
func (s *Sender) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Sender) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Option configures a Sender, in the teacher's functional-options style.
type Option func(*Sender)

const (
	defaultStartTimeout = 3000 * time.Millisecond
	defaultDataTimeout  = 3000 * time.Millisecond
	defaultEndTimeout   = 10000 * time.Millisecond
	defaultMaxRetries   = 3
	defaultBlockSize    = 1024
)

// New constructs a Sender bound to lk.
func New(lk Link, opts ...Option) *Sender {
	s := &Sender{
		lk:           lk,
		startTimeout: defaultStartTimeout,
		dataTimeout:  defaultDataTimeout,
		endTimeout:   defaultEndTimeout,
		maxRetries:   defaultMaxRetries,
		blockSize:    defaultBlockSize,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithHooks(h Hooks) Option { return func(s *Sender) { s.hooks = h } }

func WithStartTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.startTimeout = d
		}
	}
}

func WithDataTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.dataTimeout = d
		}
	}
}

func WithEndTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.endTimeout = d
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func WithBlockSize(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

func fail(reason Reason, peerErr otaproto.ErrorCode, err error) Outcome {
	otametrics.IncTransferFailed(string(reason))
	return Outcome{Success: false, Reason: reason, PeerError: peerErr, Err: err}
}

// SendFirmware drives image through START, DATA*, END. It blocks until a
// terminal outcome. version and project are right-sized into the 32-byte
// StartPayload fields (§3); an overlong string is an Argument failure
// rather than a silent truncation (§9 Design Notes).
func (s *Sender) SendFirmware(ctx context.Context, image []byte, version, project string) Outcome {
	if uint64(len(image)) > math.MaxUint32 {
		outcome := fail(ReasonArgument, otaproto.ErrSuccess, ErrTooLarge)
		s.notifyComplete(outcome)
		return outcome
	}

	otametrics.IncTransferStarted()
	s.setState(StateStartSent)
	logging.L().Info("ota_transfer_start", "size", len(image), "version", version, "project", project)

	sequence := uint16(0)
	crc := crc32.ChecksumIEEE(image)

	outcome, ok := s.doStart(ctx, image, version, project, crc)
	if !ok {
		s.setState(StateFailed)
		s.notifyComplete(outcome)
		return outcome
	}

	s.setState(StateStreaming)
	outcome, sequence, ok = s.doStream(ctx, image, sequence)
	if !ok {
		s.setState(StateFailed)
		s.abort(sequence)
		s.notifyComplete(outcome)
		return outcome
	}

	s.setState(StateEndSent)
	outcome = s.doEnd(ctx, sequence+1)
	if !outcome.Success {
		s.setState(StateFailed)
		s.abort(sequence + 1)
	} else {
		s.setState(StateSuccess)
	}
	s.notifyComplete(outcome)
	return outcome
}

func (s *Sender) notifyComplete(o Outcome) {
	if o.Success {
		otametrics.IncTransferSucceeded()
	}
	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete(o)
	}
}

// doStart sends START with sequence=0 and waits for READY, retrying on
// timeout up to maxRetries times (§4.4 START).
func (s *Sender) doStart(ctx context.Context, image []byte, version, project string, crc uint32) (Outcome, bool) {
	payload := otaproto.StartPayload{
		FirmwareSize:  uint32(len(image)),
		FirmwareCRC32: crc,
		Version:       version,
		Project:       project,
		BlockSize:     uint32(s.blockSize),
	}
	raw, err := payload.Pack()
	if err != nil {
		return fail(ReasonArgument, otaproto.ErrSuccess, err), false
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return fail(ReasonTransport, otaproto.ErrSuccess, ctx.Err()), false
		}
		token := s.lk.BeginWait()
		if err := s.lk.Send(otaproto.CmdStart, 0, 0, raw); err != nil {
			return fail(ReasonTransport, otaproto.ErrSuccess, err), false
		}
		fr, err := s.lk.Wait(token, s.startTimeout)
		if err != nil {
			otametrics.IncRetry("start")
			logging.L().Warn("ota_start_timeout", "attempt", attempt+1)
			continue
		}
		switch fr.Command {
		case otaproto.CmdReady:
			logging.L().Info("ota_start_ready")
			return Outcome{}, true
		case otaproto.CmdNack:
			ack, perr := otaproto.UnpackAckPayload(fr.Payload)
			if perr != nil {
				return fail(ReasonFraming, otaproto.ErrSuccess, perr), false
			}
			logging.L().Error("ota_start_rejected", "error", ack.ErrorCode)
			return fail(ReasonPeer, ack.ErrorCode, nil), false
		default:
			return fail(ReasonFraming, otaproto.ErrSuccess, ErrSequenceInvalid), false
		}
	}
	return fail(ReasonTimeout, otaproto.ErrSuccess, ErrRetriesExhausted), false
}

// doStream sends all DATA blocks, handling ERR_SEQ recovery, and returns
// the final sequence used so the caller can compute END's sequence. For a
// 0-byte image, per §8 boundary behavior, it returns immediately with no
// frames sent and sequence 0.
func (s *Sender) doStream(ctx context.Context, image []byte, sequence uint16) (Outcome, uint16, bool) {
	total := uint32(len(image))
	offset := uint32(0)
	for offset < total {
		end := offset + uint32(s.blockSize)
		if end > total {
			end = total
		}
		chunk := image[offset:end]
		sequence++

		outcome, newSeq, ok := s.sendBlock(ctx, chunk, offset, sequence)
		if !ok {
			return outcome, sequence, false
		}
		sequence = newSeq

		offset += uint32(len(chunk))
		percent := uint8(uint64(offset) * 100 / uint64(total))
		if s.hooks.OnProgress != nil {
			s.hooks.OnProgress(offset, total, percent)
		}
		logging.L().Info("ota_data_progress", "offset", offset, "total", total, "percent", percent)
	}
	return Outcome{}, sequence, true
}

// sendBlock sends one DATA frame at offset/chunk, retrying on timeout and
// recovering from ERR_SEQ by resending the identical offset and payload
// under the target-supplied sequence (§3 invariant 4, §8 scenario 4).
func (s *Sender) sendBlock(ctx context.Context, chunk []byte, offset uint32, sequence uint16) (Outcome, uint16, bool) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return fail(ReasonTransport, otaproto.ErrSuccess, ctx.Err()), sequence, false
		}
		token := s.lk.BeginWait()
		if err := s.lk.Send(otaproto.CmdData, sequence, offset, chunk); err != nil {
			return fail(ReasonTransport, otaproto.ErrSuccess, err), sequence, false
		}
		fr, err := s.lk.Wait(token, s.dataTimeout)
		if err != nil {
			otametrics.IncRetry("data")
			logging.L().Warn("ota_data_timeout", "sequence", sequence, "attempt", attempt+1)
			continue
		}
		switch fr.Command {
		case otaproto.CmdAck:
			return Outcome{}, sequence, true
		case otaproto.CmdNack:
			ack, perr := otaproto.UnpackAckPayload(fr.Payload)
			if perr != nil {
				return fail(ReasonFraming, otaproto.ErrSuccess, perr), sequence, false
			}
			if ack.ErrorCode == otaproto.ErrSeq {
				otametrics.IncSequenceRecovery()
				logging.L().Warn("ota_sequence_recovered", "from", sequence, "to", ack.ExpectedSeq)
				sequence = ack.ExpectedSeq
				attempt--
				continue
			}
			logging.L().Error("ota_data_rejected", "error", ack.ErrorCode)
			return fail(ReasonPeer, ack.ErrorCode, nil), sequence, false
		default:
			return fail(ReasonFraming, otaproto.ErrSuccess, ErrSequenceInvalid), sequence, false
		}
	}
	return fail(ReasonTimeout, otaproto.ErrSuccess, ErrRetriesExhausted), sequence, false
}

// doEnd sends END and waits (with the extended budget) for COMPLETE.
func (s *Sender) doEnd(ctx context.Context, sequence uint16) Outcome {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return fail(ReasonTransport, otaproto.ErrSuccess, ctx.Err())
		}
		token := s.lk.BeginWait()
		if err := s.lk.Send(otaproto.CmdEnd, sequence, 0, nil); err != nil {
			return fail(ReasonTransport, otaproto.ErrSuccess, err)
		}
		fr, err := s.lk.Wait(token, s.endTimeout)
		if err != nil {
			otametrics.IncRetry("end")
			logging.L().Warn("ota_end_timeout", "attempt", attempt+1)
			continue
		}
		switch fr.Command {
		case otaproto.CmdComplete:
			logging.L().Info("ota_transfer_complete")
			return Outcome{Success: true}
		case otaproto.CmdNack:
			ack, perr := otaproto.UnpackAckPayload(fr.Payload)
			if perr != nil {
				return fail(ReasonFraming, otaproto.ErrSuccess, perr)
			}
			logging.L().Error("ota_end_rejected", "error", ack.ErrorCode)
			return fail(ReasonPeer, ack.ErrorCode, nil)
		default:
			return fail(ReasonFraming, otaproto.ErrSuccess, ErrSequenceInvalid)
		}
	}
	return fail(ReasonTimeout, otaproto.ErrSuccess, ErrRetriesExhausted)
}

// abort best-effort notifies the target of failure: no retry, no wait
// (§4.4, §7). Errors are logged, not surfaced, since the transfer has
// already failed.
func (s *Sender) abort(sequence uint16) {
	if err := s.lk.Send(otaproto.CmdAbort, sequence, 0, nil); err != nil {
		logging.L().Warn("ota_abort_send_failed", "error", err)
		return
	}
	otametrics.IncAbortSent()
}
