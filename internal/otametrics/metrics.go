// Package otametrics exposes Prometheus counters and gauges for the OTA
// transport core, shaped after internal/metrics in the teacher: promauto
// collectors backed by a cheap local atomic mirror for log-line snapshots,
// plus /metrics and /ready HTTP endpoints.
package otametrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/brifk/uart-ota-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ota_frames_sent_total",
		Help: "Total frames sent to the target, by command.",
	}, []string{"command"})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ota_frames_received_total",
		Help: "Total frames received from the target, by command.",
	}, []string{"command"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ota_malformed_frames_total",
		Help: "Total valid frames received with an unrecognized command.",
	})
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ota_retries_total",
		Help: "Total retry attempts, by phase (start, data, end).",
	}, []string{"phase"})
	SequenceRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ota_sequence_recoveries_total",
		Help: "Total ERR_SEQ recoveries during the DATA phase.",
	})
	TransfersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ota_transfers_started_total",
		Help: "Total firmware transfers attempted.",
	})
	TransfersSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ota_transfers_succeeded_total",
		Help: "Total firmware transfers that reached Success.",
	})
	TransfersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ota_transfers_failed_total",
		Help: "Total firmware transfers that reached Failed, by reason bucket.",
	}, []string{"reason"})
	AbortsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ota_aborts_sent_total",
		Help: "Total best-effort ABORT frames sent on failure.",
	})
	TransferInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ota_transfer_in_flight",
		Help: "1 while a firmware transfer is in progress, else 0.",
	})
	TransferProgressPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ota_transfer_progress_percent",
		Help: "Percentage of the current (or most recent) transfer completed.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ota_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants, kept stable to bound series cardinality.
const (
	ErrSerialRead  = "serial_read"
	ErrSerialWrite = "serial_write"
	ErrSerialOpen  = "serial_open"
	ErrTxOverflow  = "tx_overflow"
	ErrBadFrame    = "bad_frame"
)

// Reason label constants for TransfersFailed.
const (
	ReasonTransport = "transport"
	ReasonFraming   = "framing"
	ReasonTimeout   = "timeout"
	ReasonPeer      = "peer"
	ReasonArgument  = "argument"
)

func init() {
	for _, lbl := range []string{ErrSerialRead, ErrSerialWrite, ErrSerialOpen, ErrTxOverflow, ErrBadFrame} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, lbl := range []string{ReasonTransport, ReasonFraming, ReasonTimeout, ReasonPeer, ReasonArgument} {
		TransfersFailed.WithLabelValues(lbl).Add(0)
	}
}

// StartHTTP serves /metrics and /ready on addr.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap logging without scraping Prometheus.
var (
	localSent       uint64
	localReceived   uint64
	localMalformed  uint64
	localRetries    uint64
	localSeqRecover uint64
	localStarted    uint64
	localSucceeded  uint64
	localFailed     uint64
	localAborts     uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of local counters, mirroring metrics.Snapshot.
type Snapshot struct {
	FramesSent         uint64
	FramesReceived     uint64
	MalformedFrames    uint64
	Retries            uint64
	SequenceRecoveries uint64
	TransfersStarted   uint64
	TransfersSucceeded uint64
	TransfersFailed    uint64
	AbortsSent         uint64
	Errors             uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesSent:         atomic.LoadUint64(&localSent),
		FramesReceived:     atomic.LoadUint64(&localReceived),
		MalformedFrames:    atomic.LoadUint64(&localMalformed),
		Retries:            atomic.LoadUint64(&localRetries),
		SequenceRecoveries: atomic.LoadUint64(&localSeqRecover),
		TransfersStarted:   atomic.LoadUint64(&localStarted),
		TransfersSucceeded: atomic.LoadUint64(&localSucceeded),
		TransfersFailed:    atomic.LoadUint64(&localFailed),
		AbortsSent:         atomic.LoadUint64(&localAborts),
		Errors:             atomic.LoadUint64(&localErrors),
	}
}

func IncFrameSent(command string) {
	FramesSent.WithLabelValues(command).Inc()
	atomic.AddUint64(&localSent, 1)
}

func IncFrameReceived(command string) {
	FramesReceived.WithLabelValues(command).Inc()
	atomic.AddUint64(&localReceived, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncRetry(phase string) {
	Retries.WithLabelValues(phase).Inc()
	atomic.AddUint64(&localRetries, 1)
}

func IncSequenceRecovery() {
	SequenceRecoveries.Inc()
	atomic.AddUint64(&localSeqRecover, 1)
}

func IncTransferStarted() {
	TransfersStarted.Inc()
	TransferInFlight.Set(1)
	atomic.AddUint64(&localStarted, 1)
}

func IncTransferSucceeded() {
	TransfersSucceeded.Inc()
	TransferInFlight.Set(0)
	atomic.AddUint64(&localSucceeded, 1)
}

func IncTransferFailed(reason string) {
	TransfersFailed.WithLabelValues(reason).Inc()
	TransferInFlight.Set(0)
	atomic.AddUint64(&localFailed, 1)
}

func IncAbortSent() {
	AbortsSent.Inc()
	atomic.AddUint64(&localAborts, 1)
}

func SetProgressPercent(pct float64) {
	TransferProgressPercent.Set(pct)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
