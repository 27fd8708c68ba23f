// Package metrics exposes Prometheus counters/gauges for the frame, bus,
// message, and monitor layers, plus a /metrics and /ready HTTP endpoint.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/foconctl/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_sent_total",
		Help: "Total frames written to the bus transport.",
	})
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_received_total",
		Help: "Total frames successfully decoded from the bus transport.",
	})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_dropped_total",
		Help: "Total decoded frames discarded because they were not addressed to this node.",
	})
	Resyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "resyncs_total",
		Help: "Total times the pending receive buffer was discarded after a structural decode error.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad checksum, preamble, postamble, address).",
	})
	ControlFramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "control_frames_sent_total",
		Help: "Total control frames (ACK/REQ/NAK) sent, by role.",
	}, []string{"role"})
	NaksObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "naks_observed_total",
		Help: "Total NAK control frames observed terminating a reassembly.",
	})
	CommandsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commands_sent_total",
		Help: "Total request/response command exchanges initiated.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MonitorClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_active_clients",
		Help: "Current number of connected diagnostic monitor clients.",
	})
	MonitorDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_dropped_frames_total",
		Help: "Total tapped frames dropped by the monitor hub due to slow clients.",
	})
	MonitorKicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_kicked_clients_total",
		Help: "Total monitor clients disconnected due to the kick backpressure policy.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTransportRead  = "transport_read"
	ErrTransportWrite = "transport_write"
	ErrMonitorAccept  = "monitor_accept"
	ErrMonitorWrite   = "monitor_write"
	ErrHandshake      = "monitor_handshake"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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

// Local mirrored counters so in-process periodic logging doesn't need to scrape Prometheus.
var (
	localFramesSent     uint64
	localFramesReceived uint64
	localFramesDropped  uint64
	localResyncs        uint64
	localMalformed      uint64
	localNaks           uint64
	localCommandsSent   uint64
	localErrors         uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesSent     uint64
	FramesReceived uint64
	FramesDropped  uint64
	Resyncs        uint64
	Malformed      uint64
	Naks           uint64
	CommandsSent   uint64
	Errors         uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesSent:     atomic.LoadUint64(&localFramesSent),
		FramesReceived: atomic.LoadUint64(&localFramesReceived),
		FramesDropped:  atomic.LoadUint64(&localFramesDropped),
		Resyncs:        atomic.LoadUint64(&localResyncs),
		Malformed:      atomic.LoadUint64(&localMalformed),
		Naks:           atomic.LoadUint64(&localNaks),
		CommandsSent:   atomic.LoadUint64(&localCommandsSent),
		Errors:         atomic.LoadUint64(&localErrors),
	}
}

func IncFramesSent() { FramesSent.Inc(); atomic.AddUint64(&localFramesSent, 1) }
func IncFramesReceived() {
	FramesReceived.Inc()
	atomic.AddUint64(&localFramesReceived, 1)
}
func IncFramesDropped() { FramesDropped.Inc(); atomic.AddUint64(&localFramesDropped, 1) }
func IncResync()        { Resyncs.Inc(); atomic.AddUint64(&localResyncs, 1) }
func IncMalformed()     { MalformedFrames.Inc(); atomic.AddUint64(&localMalformed, 1) }
func IncNak()           { NaksObserved.Inc(); atomic.AddUint64(&localNaks, 1) }
func IncCommandSent()   { CommandsSent.Inc(); atomic.AddUint64(&localCommandsSent, 1) }

func IncControlFrame(role string) { ControlFramesSent.WithLabelValues(role).Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func SetMonitorClients(n int) { MonitorClients.Set(float64(n)) }
func IncMonitorDropped()      { MonitorDropped.Inc() }
func IncMonitorKicked()       { MonitorKicked.Inc() }

// InitBuildInfo sets the build info gauge and pre-registers error label series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrTransportRead, ErrTransportWrite, ErrMonitorAccept, ErrMonitorWrite, ErrHandshake} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

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
