package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/brifk/uart-ota-gateway/internal/notify"
	"github.com/brifk/uart-ota-gateway/internal/otaproto"
	"github.com/brifk/uart-ota-gateway/internal/rpc"
	"github.com/brifk/uart-ota-gateway/internal/sender"
	"github.com/brifk/uart-ota-gateway/internal/staging"
)

// gatewayServer wires the HTTP control surface (§10.1) around one
// *sender.Sender and *rpc.Client sharing a single Link.
type gatewayServer struct {
	log     *slog.Logger
	store   *staging.Store
	snd     *sender.Sender
	rpc     *rpc.Client
	notify  *notify.Publisher // nil when Redis publication is disabled
	busy    sync.Mutex
	started time.Time
}

func (g *gatewayServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/firmware", g.handleFirmware)
	mux.HandleFunc("/status", g.handleStatus)
	mux.HandleFunc("/rollback", g.handleRollback)
	mux.HandleFunc("/healthz", g.handleHealthz)
	return mux
}

// handleFirmware accepts a multipart firmware upload plus version/project
// form fields, stages it, and kicks off send_firmware asynchronously. It
// refuses a second upload while a transfer is already in flight, since
// the Link/Sender pairing supports exactly one caller at a time (§4.3).
func (g *gatewayServer) handleFirmware(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !g.busy.TryLock() {
		http.Error(w, "a firmware transfer is already in progress", http.StatusConflict)
		return
	}

	file, _, err := r.FormFile("firmware")
	if err != nil {
		g.busy.Unlock()
		http.Error(w, fmt.Sprintf("firmware form field: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	version := r.FormValue("version")
	project := r.FormValue("project")
	wantMD5 := r.FormValue("md5")

	info, err := g.store.Stage(file, version, project, wantMD5)
	if err != nil {
		g.busy.Unlock()
		var mismatch *staging.ErrChecksumMismatch
		if errors.As(err, &mismatch) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	image, err := g.store.Load(info)
	if err != nil {
		g.busy.Unlock()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	g.log.Info("ota_upload_staged", "file", info.FileName, "size", info.FileSize, "md5", info.MD5)

	go func() {
		defer g.busy.Unlock()
		outcome := g.snd.SendFirmware(context.Background(), image, version, project)
		if !outcome.Success {
			g.log.Error("ota_transfer_failed", "reason", outcome.Reason, "peer_error", outcome.PeerError, "error", outcome.Err)
		} else {
			g.log.Info("ota_transfer_succeeded", "file", info.FileName)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(info)
}

// handleStatus issues QUERY_STATUS over the shared rpc.Client and reports
// the target's reported state, along with the Sender's own in-flight state.
func (g *gatewayServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := g.rpc.QueryStatus()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	resp := struct {
		SenderState string             `json:"sender_state"`
		TargetState otaproto.State     `json:"target_state"`
		ErrorCode   otaproto.ErrorCode `json:"target_error"`
		Received    uint32             `json:"received"`
		Total       uint32             `json:"total"`
		CurrVersion string             `json:"current_version"`
	}{
		SenderState: g.snd.State().String(),
		TargetState: status.State,
		ErrorCode:   status.ErrorCode,
		Received:    status.Received,
		Total:       status.Total,
		CurrVersion: status.CurrentVersion,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleRollback issues ROLLBACK_REQ over the shared rpc.Client.
func (g *gatewayServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ok, err := g.rpc.RequestRollback()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if !ok {
		http.Error(w, "rollback rejected by target", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleHealthz is a liveness probe independent of the otametrics /ready
// readiness probe (which tracks serial link health).
func (g *gatewayServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Uptime       string `json:"uptime"`
		RedisEnabled bool   `json:"redis_enabled"`
	}{
		Uptime:       time.Since(g.started).String(),
		RedisEnabled: g.notify != nil,
	})
}
