// Package rpc implements the one-shot Status/Rollback requests of spec
// §4.5, sharing the Link's reply-latch mechanism with the Sender. Callers
// MUST NOT issue these mid-transfer (§4.5); this package does not enforce
// that serialization itself, matching the Sender's division of labor.
package rpc

import (
	"fmt"
	"time"

	"github.com/brifk/uart-ota-gateway/internal/logging"
	"github.com/brifk/uart-ota-gateway/internal/otametrics"
	"github.com/brifk/uart-ota-gateway/internal/otaproto"
)

// Link is the subset of *link.Link this package needs.
type Link interface {
	BeginWait() uint64
	Send(cmd otaproto.Command, sequence uint16, offset uint32, payload []byte) error
	Wait(token uint64, timeout time.Duration) (otaproto.Frame, error)
}

// DefaultTimeout matches the Sender's per-request budget for START/DATA
// (§4.4); status and rollback requests carry no payload and no extended
// verification step, so the same 3000 ms window applies.
const DefaultTimeout = 3000 * time.Millisecond

// Client issues QUERY_STATUS and ROLLBACK_REQ over a shared Link, tracking
// its own sequence counter independent of any concurrent Sender (§4.5:
// "Sequence is incremented for each; they MAY be interleaved between
// transfers").
type Client struct {
	lk       Link
	timeout  time.Duration
	sequence uint16
}

// Option configures a Client.
type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New constructs a Client bound to lk.
func New(lk Link, opts ...Option) *Client {
	c := &Client{lk: lk, timeout: DefaultTimeout}
	for _, o := range opts {
		o(c)
	}
	return c
}

// QueryStatus sends QUERY_STATUS and returns the target's reported
// StatusPayload.
func (c *Client) QueryStatus() (otaproto.StatusPayload, error) {
	c.sequence++
	token := c.lk.BeginWait()
	if err := c.lk.Send(otaproto.CmdQueryStatus, c.sequence, 0, nil); err != nil {
		return otaproto.StatusPayload{}, fmt.Errorf("rpc: query_status: %w", err)
	}
	fr, err := c.lk.Wait(token, c.timeout)
	if err != nil {
		return otaproto.StatusPayload{}, fmt.Errorf("rpc: query_status: %w", err)
	}
	if fr.Command != otaproto.CmdStatusResp {
		return otaproto.StatusPayload{}, fmt.Errorf("rpc: query_status: unexpected reply %s", fr.Command)
	}
	status, err := otaproto.UnpackStatusPayload(fr.Payload)
	if err != nil {
		return otaproto.StatusPayload{}, fmt.Errorf("rpc: query_status: %w", err)
	}
	logging.L().Info("ota_status", "state", status.State, "error", status.ErrorCode, "received", status.Received, "total", status.Total)
	return status, nil
}

// RequestRollback sends ROLLBACK_REQ and reports whether the target
// acknowledged it.
func (c *Client) RequestRollback() (bool, error) {
	c.sequence++
	token := c.lk.BeginWait()
	if err := c.lk.Send(otaproto.CmdRollbackReq, c.sequence, 0, nil); err != nil {
		return false, fmt.Errorf("rpc: request_rollback: %w", err)
	}
	fr, err := c.lk.Wait(token, c.timeout)
	if err != nil {
		return false, fmt.Errorf("rpc: request_rollback: %w", err)
	}
	if fr.Command != otaproto.CmdAck {
		otametrics.IncError(otametrics.ErrBadFrame)
		logging.L().Warn("ota_rollback_rejected", "reply", fr.Command)
		return false, nil
	}
	logging.L().Info("ota_rollback_requested")
	return true, nil
}
