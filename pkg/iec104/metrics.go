package iec104

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Command outcomes recorded by Metrics.
const (
	CommandConfirmed      = "confirmed"
	CommandRejected       = "rejected"
	CommandUnknownAddress = "unknown_address"
	CommandMalformed      = "malformed"
)

// Metrics holds server counters. They are exported to Prometheus and can be
// read back with Snapshot. All methods are safe on a nil *Metrics.
type Metrics struct {
	totalConnections  *atomic.Uint64
	activeConnections *atomic.Int64
	framesReceived    *atomic.Uint64
	framesSent        *atomic.Uint64
	bytesReceived     *atomic.Uint64
	bytesSent         *atomic.Uint64
	commandsConfirmed *atomic.Uint64
	commandsRejected  *atomic.Uint64
	commandsDropped   *atomic.Uint64
	interrogations    *atomic.Uint64
	broadcastCycles   *atomic.Uint64
	unknownASDUs      *atomic.Uint64
	errorsTotal       *atomic.Uint64

	promConnections *prometheus.CounterVec
	promActive      prometheus.Gauge
	promFramesIn    *prometheus.CounterVec
	promFramesOut   *prometheus.CounterVec
	promBytes       *prometheus.CounterVec
	promCommands    *prometheus.CounterVec
	promGI          prometheus.Counter
	promCycles      prometheus.Counter
	promCycleTime   prometheus.Histogram
	promErrors      *prometheus.CounterVec

	mu                   sync.Mutex
	startTime            time.Time
	lastClientConnect    time.Time
	lastClientDisconnect time.Time
	lastError            time.Time
	recentErrors         []ErrorLog
	maxRecentErrors      int
}

// ErrorLog represents an error entry
type ErrorLog struct {
	Timestamp time.Time
	Component string
	Action    string
	Error     string
}

// NewMetrics creates the counters and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		totalConnections:  atomic.NewUint64(0),
		activeConnections: atomic.NewInt64(0),
		framesReceived:    atomic.NewUint64(0),
		framesSent:        atomic.NewUint64(0),
		bytesReceived:     atomic.NewUint64(0),
		bytesSent:         atomic.NewUint64(0),
		commandsConfirmed: atomic.NewUint64(0),
		commandsRejected:  atomic.NewUint64(0),
		commandsDropped:   atomic.NewUint64(0),
		interrogations:    atomic.NewUint64(0),
		broadcastCycles:   atomic.NewUint64(0),
		unknownASDUs:      atomic.NewUint64(0),
		errorsTotal:       atomic.NewUint64(0),

		promConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iec104_connections_total",
			Help: "Master connections by event (opened, closed).",
		}, []string{"event"}),
		promActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iec104_connections_active",
			Help: "Currently registered master connections.",
		}),
		promFramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iec104_frames_received_total",
			Help: "APDUs received by format (I, S, U).",
		}, []string{"format"}),
		promFramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iec104_frames_sent_total",
			Help: "APDUs sent by format (I, S, U).",
		}, []string{"format"}),
		promBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iec104_bytes_total",
			Help: "Bytes transferred by direction.",
		}, []string{"direction"}),
		promCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iec104_commands_total",
			Help: "Control commands by type and outcome.",
		}, []string{"type", "result"}),
		promGI: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iec104_interrogations_total",
			Help: "General interrogations answered.",
		}),
		promCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iec104_broadcast_cycles_total",
			Help: "Cyclic broadcast rounds executed.",
		}),
		promCycleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "iec104_broadcast_cycle_seconds",
			Help:    "Duration of one cyclic broadcast round over all clients.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		promErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iec104_errors_total",
			Help: "Errors by component and action.",
		}, []string{"component", "action"}),

		startTime:       time.Now(),
		recentErrors:    make([]ErrorLog, 0, 100),
		maxRecentErrors: 100,
	}
	if reg != nil {
		reg.MustRegister(m.promConnections, m.promActive, m.promFramesIn, m.promFramesOut,
			m.promBytes, m.promCommands, m.promGI, m.promCycles, m.promCycleTime, m.promErrors)
	}
	return m
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.totalConnections.Inc()
	m.activeConnections.Inc()
	m.promConnections.WithLabelValues("opened").Inc()
	m.promActive.Inc()
	m.mu.Lock()
	m.lastClientConnect = time.Now()
	m.mu.Unlock()
}

// ConnectionClosed records a torn down connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	if m.activeConnections.Dec() < 0 {
		m.activeConnections.Store(0)
	}
	m.promConnections.WithLabelValues("closed").Inc()
	m.promActive.Dec()
	m.mu.Lock()
	m.lastClientDisconnect = time.Now()
	m.mu.Unlock()
}

// FrameReceived records one decoded inbound APDU.
func (m *Metrics) FrameReceived(f *Frame) {
	if m == nil {
		return
	}
	size := apciLen + len(f.ASDU)
	m.framesReceived.Inc()
	m.bytesReceived.Add(uint64(size))
	m.promFramesIn.WithLabelValues(f.Format.String()).Inc()
	m.promBytes.WithLabelValues("in").Add(float64(size))
}

// FrameSent records n bytes of an outbound APDU.
func (m *Metrics) FrameSent(frame []byte, n int) {
	if m == nil {
		return
	}
	format := FormatI
	if len(frame) > 2 {
		format = classify(frame[2])
	}
	m.framesSent.Inc()
	m.bytesSent.Add(uint64(n))
	m.promFramesOut.WithLabelValues(format.String()).Inc()
	m.promBytes.WithLabelValues("out").Add(float64(n))
}

// CommandHandled records the outcome of a control command.
func (m *Metrics) CommandHandled(t TypeID, result string) {
	if m == nil {
		return
	}
	switch result {
	case CommandConfirmed:
		m.commandsConfirmed.Inc()
	case CommandRejected:
		m.commandsRejected.Inc()
	default:
		m.commandsDropped.Inc()
	}
	m.promCommands.WithLabelValues(t.String(), result).Inc()
}

// InterrogationAnswered records a general interrogation.
func (m *Metrics) InterrogationAnswered() {
	if m == nil {
		return
	}
	m.interrogations.Inc()
	m.promGI.Inc()
}

// UnknownASDU records an ignored ASDU with an unsupported type.
func (m *Metrics) UnknownASDU() {
	if m == nil {
		return
	}
	m.unknownASDUs.Inc()
}

// BroadcastCycle records one cyclic round and its duration.
func (m *Metrics) BroadcastCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.broadcastCycles.Inc()
	m.promCycles.Inc()
	m.promCycleTime.Observe(d.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(component, action string, err error) {
	if m == nil || err == nil {
		return
	}
	m.errorsTotal.Inc()
	m.promErrors.WithLabelValues(component, action).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.lastError = now
	m.recentErrors = append(m.recentErrors, ErrorLog{
		Timestamp: now,
		Component: component,
		Action:    action,
		Error:     err.Error(),
	})
	if len(m.recentErrors) > m.maxRecentErrors {
		m.recentErrors = m.recentErrors[1:]
	}
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.Lock()
	errs := make([]ErrorLog, len(m.recentErrors))
	copy(errs, m.recentErrors)
	s := MetricsSnapshot{
		Uptime:               time.Since(m.startTime),
		StartTime:            m.startTime,
		LastClientConnect:    m.lastClientConnect,
		LastClientDisconnect: m.lastClientDisconnect,
		LastError:            m.lastError,
		RecentErrors:         errs,
	}
	m.mu.Unlock()

	s.TotalConnections = m.totalConnections.Load()
	s.ActiveConnections = uint64(m.activeConnections.Load())
	s.FramesReceived = m.framesReceived.Load()
	s.FramesSent = m.framesSent.Load()
	s.BytesReceived = m.bytesReceived.Load()
	s.BytesSent = m.bytesSent.Load()
	s.CommandsConfirmed = m.commandsConfirmed.Load()
	s.CommandsRejected = m.commandsRejected.Load()
	s.CommandsDropped = m.commandsDropped.Load()
	s.Interrogations = m.interrogations.Load()
	s.BroadcastCycles = m.broadcastCycles.Load()
	s.UnknownASDUs = m.unknownASDUs.Load()
	s.ErrorsTotal = m.errorsTotal.Load()
	return s
}

// MetricsSnapshot is a thread-safe snapshot of metrics
type MetricsSnapshot struct {
	TotalConnections     uint64
	ActiveConnections    uint64
	FramesReceived       uint64
	FramesSent           uint64
	BytesReceived        uint64
	BytesSent            uint64
	CommandsConfirmed    uint64
	CommandsRejected     uint64
	CommandsDropped      uint64
	Interrogations       uint64
	BroadcastCycles      uint64
	UnknownASDUs         uint64
	ErrorsTotal          uint64
	Uptime               time.Duration
	StartTime            time.Time
	LastClientConnect    time.Time
	LastClientDisconnect time.Time
	LastError            time.Time
	RecentErrors         []ErrorLog
}
