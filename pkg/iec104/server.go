package iec104

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Disconnect reasons passed to OnClientDisconnect.
const (
	ReasonClosedByPeer = "closed_by_peer"
	ReasonReadError    = "read_error"
	ReasonWriteError   = "write_error"
	ReasonShutdown     = "shutdown"
)

// Server is the controlled station. It owns the point cache, accepts master
// connections, answers their requests and broadcasts the cache cyclically.
type Server struct {
	Addr string

	cache       *DataPointCache
	fieldMap    FieldMap
	registry    *ClientRegistry
	dispatcher  *CommandDispatcher
	broadcaster *CyclicBroadcaster
	metrics     *Metrics
	promReg     *prometheus.Registry

	writeTimeout       time.Duration
	metricsAddr        string
	metricsLogInterval time.Duration

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup // WaitGroup for graceful shutdown
	started    *atomic.Bool
	listener   net.Listener
	listenerMu sync.RWMutex
	metricsSrv *http.Server

	// Client disconnect callback
	OnClientDisconnect func(clientID string, reason string)
}

// ServerConfig holds configuration for the server
type ServerConfig struct {
	Addr     string
	Points   []PointSpec // nil uses DefaultPoints
	FieldMap FieldMap    // nil uses DefaultFieldMap
	Control  ControlCapability

	CyclicInterval      time.Duration
	CommandTermDelay    time.Duration
	InterrogationPacing time.Duration
	WriteTimeout        time.Duration

	MetricsAddr        string // serves /metrics and /healthz when set
	MetricsLogInterval time.Duration
	Registry           *prometheus.Registry

	ShowBanner bool
	// Client disconnect callback (optional)
	OnClientDisconnect func(clientID string, reason string)
}

// NewServer creates a server with its cache populated from config.Points.
func NewServer(config ServerConfig) *Server {
	if config.Addr == "" {
		config.Addr = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.Points == nil {
		config.Points = DefaultPoints()
	}
	if config.FieldMap == nil {
		config.FieldMap = DefaultFieldMap()
	}
	if config.CyclicInterval <= 0 {
		config.CyclicInterval = DefaultCyclicInterval
	}
	if config.CommandTermDelay <= 0 {
		config.CommandTermDelay = DefaultCommandTermDelay
	}
	if config.InterrogationPacing <= 0 {
		config.InterrogationPacing = DefaultInterrogationPacing
	}
	if config.MetricsLogInterval <= 0 {
		config.MetricsLogInterval = 30 * time.Second
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	if config.ShowBanner {
		printServerBanner(config.Addr, len(config.Points))
	}

	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics(config.Registry)
	cache := NewDataPointCache(config.Points)
	registry := NewClientRegistry()

	return &Server{
		Addr:               config.Addr,
		cache:              cache,
		fieldMap:           config.FieldMap,
		registry:           registry,
		dispatcher:         NewCommandDispatcher(cache, config.Control, config.CommandTermDelay, config.InterrogationPacing, metrics),
		broadcaster:        NewCyclicBroadcaster(cache, registry, config.CyclicInterval, metrics),
		metrics:            metrics,
		promReg:            config.Registry,
		writeTimeout:       config.WriteTimeout,
		metricsAddr:        config.MetricsAddr,
		metricsLogInterval: config.MetricsLogInterval,
		ctx:                ctx,
		cancel:             cancel,
		started:            atomic.NewBool(false),
		OnClientDisconnect: config.OnClientDisconnect,
	}
}

// Cache returns the point cache.
func (s *Server) Cache() *DataPointCache { return s.cache }

// Clients returns the connection registry.
func (s *Server) Clients() *ClientRegistry { return s.registry }

// Metrics returns the server counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// UpdateData applies a telemetry record through the field map and returns
// the number of points updated.
func (s *Server) UpdateData(values map[string]any) int {
	n := s.cache.BulkUpdate(s.fieldMap, values)
	logrus.WithFields(logrus.Fields{
		"component": "server",
		"action":    "update_data",
		"fields":    len(values),
		"updated":   n,
	}).Debug("Telemetry record applied")
	return n
}

// ListenAddr returns the bound listener address, or nil before Start.
func (s *Server) ListenAddr() net.Addr {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and launches the accept loop, the broadcaster
// and the metrics goroutines. It does not block.
func (s *Server) Start() error {
	if s.ctx.Err() != nil {
		return ErrServerClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}

	listener, err := ListenAddr(s.Addr)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"component": "server",
		"address":   listener.Addr().String(),
		"protocol":  "IEC 60870-5-104",
		"points":    s.cache.Len(),
	}).Info("Server started and listening for connections")

	s.wg.Add(1)
	go s.startMetricsLogger()

	if s.metricsAddr != "" {
		s.startMetricsServer()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.broadcaster.Run(s.ctx)
	}()

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Listen starts the server and blocks until Shutdown.
func (s *Server) Listen() error {
	if err := s.Start(); err != nil {
		return err
	}
	<-s.ctx.Done()
	return nil
}

// acceptLoop handles accepting new connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"component": "server",
					"action":    "shutdown",
				}).Info("Stopping accept loop")
				return
			}
			logrus.WithFields(logrus.Fields{
				"component": "server",
				"error":     err,
			}).Error("Failed to accept new connection")
			s.metrics.RecordError("server", "accept", err)
			if sleepCtx(s.ctx, 100*time.Millisecond) != nil {
				return
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	client := NewClientConnection(conn, s.writeTimeout, s.metrics)
	clientID := client.ID.String()
	clientCount := s.registry.Add(client)
	s.metrics.ConnectionOpened()

	logrus.WithFields(logrus.Fields{
		"component":     "server",
		"action":        "client_connected",
		"client_id":     clientID,
		"remote_addr":   client.RemoteAddr(),
		"total_clients": clientCount,
	}).Info("New client connection established")

	reason := ReasonReadError
	defer func() {
		s.registry.Remove(client)
		_ = client.Close()
		s.metrics.ConnectionClosed()

		logrus.WithFields(logrus.Fields{
			"component":         "server",
			"action":            "client_disconnected",
			"client_id":         clientID,
			"remaining_clients": s.registry.Len(),
			"reason":            reason,
		}).Info("Client disconnected")

		if s.OnClientDisconnect != nil {
			s.OnClientDisconnect(clientID, reason)
		}
	}()

	// Shutdown may have snapshotted the registry before Add.
	if s.ctx.Err() != nil {
		reason = ReasonShutdown
		return
	}

	reader := NewFrameReader(conn)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
				reason = ReasonShutdown
			case !client.Alive():
				reason = ReasonWriteError
			case errors.Is(err, io.EOF):
				reason = ReasonClosedByPeer
			default:
				logrus.WithFields(logrus.Fields{
					"component": "server",
					"action":    "read",
					"client_id": clientID,
					"error":     err,
				}).Error("Read error, closing connection")
				s.metrics.RecordError("server", "read", err)
			}
			return
		}

		s.metrics.FrameReceived(frame)
		if err := s.handleFrame(client, frame); err != nil {
			if s.ctx.Err() != nil {
				reason = ReasonShutdown
			} else {
				reason = ReasonWriteError
				logrus.WithFields(logrus.Fields{
					"component": "server",
					"action":    "write",
					"client_id": clientID,
					"error":     err,
				}).Error("Write error, closing connection")
			}
			return
		}
	}
}

func (s *Server) handleFrame(client *ClientConnection, frame *Frame) error {
	switch frame.Format {
	case FormatU:
		switch frame.UFunction() {
		case UStartDTAct:
			logrus.WithFields(logrus.Fields{
				"component": "server",
				"action":    "startdt",
				"client_id": client.ID.String(),
			}).Info("STARTDT received, confirming")
			return client.WriteFrame(EncodeUFrame(UStartDTCon))
		case UTestFRAct:
			logrus.WithFields(logrus.Fields{
				"component": "server",
				"action":    "testfr",
				"client_id": client.ID.String(),
			}).Debug("TESTFR received, confirming")
			return client.WriteFrame(EncodeUFrame(UTestFRCon))
		default:
			logrus.WithFields(logrus.Fields{
				"component": "server",
				"action":    "u_frame",
				"client_id": client.ID.String(),
				"control":   fmt.Sprintf("0x%02x", frame.Control[0]),
			}).Debug("Ignoring U-format frame")
		}
	case FormatS:
		// sequence numbers are not tracked
	case FormatI:
		return s.dispatcher.Dispatch(s.ctx, client, frame.ASDU)
	}
	return nil
}

func (s *Server) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"clients": s.registry.Len(),
			"points":  s.cache.Len(),
		})
	})

	s.metricsSrv = &http.Server{
		Addr:              s.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"component": "server",
				"action":    "metrics_http",
				"address":   s.metricsAddr,
				"error":     err,
			}).Error("Metrics server exited")
		}
	}()
}

// startMetricsLogger periodically logs a metrics summary.
func (s *Server) startMetricsLogger() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logrus.WithFields(logrus.Fields{
				"component": "server",
				"action":    "shutdown",
			}).Debug("Stopping metrics logger due to server shutdown")
			return
		case <-ticker.C:
			snapshot := s.metrics.Snapshot()
			logrus.WithFields(logrus.Fields{
				"component":          "metrics",
				"uptime":             snapshot.Uptime.Round(time.Second).String(),
				"active_connections": snapshot.ActiveConnections,
				"total_connections":  snapshot.TotalConnections,
				"frames_received":    snapshot.FramesReceived,
				"frames_sent":        snapshot.FramesSent,
				"commands_confirmed": snapshot.CommandsConfirmed,
				"commands_rejected":  snapshot.CommandsRejected,
				"interrogations":     snapshot.Interrogations,
				"broadcast_cycles":   snapshot.BroadcastCycles,
				"errors_total":       snapshot.ErrorsTotal,
				"last_error":         formatTime(snapshot.LastError),
			}).Info("Metrics")
		}
	}
}

// formatTime formats a time value for logging
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(timeout time.Duration) error {
	logrus.WithFields(logrus.Fields{
		"component": "server",
		"action":    "shutdown",
		"timeout":   timeout.String(),
	}).Info("Received shutdown signal, initiating graceful shutdown")

	// Cancel context to signal all goroutines to stop
	s.cancel()

	s.listenerMu.Lock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "server",
				"action":    "shutdown",
				"error":     err,
			}).Warn("Error closing listener")
		}
		s.listener = nil
	}
	s.listenerMu.Unlock()

	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"component": "server",
				"action":    "shutdown",
				"error":     err,
			}).Warn("Error stopping metrics server")
		}
		cancel()
	}

	clients := s.registry.Snapshot()
	logrus.WithFields(logrus.Fields{
		"component":      "server",
		"action":         "shutdown",
		"active_clients": len(clients),
	}).Info("Closing active client connections")

	for _, c := range clients {
		if err := c.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "server",
				"action":    "shutdown",
				"client_id": c.ID.String(),
				"error":     err,
			}).Warn("Error closing client connection")
		}
	}

	// Wait for all goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.WithFields(logrus.Fields{
			"component": "server",
			"action":    "shutdown",
		}).Info("All goroutines finished, server shutdown complete")
		return nil
	case <-time.After(timeout):
		logrus.WithFields(logrus.Fields{
			"component": "server",
			"action":    "shutdown",
			"timeout":   timeout.String(),
		}).Error("Shutdown timeout exceeded, some goroutines may still be running")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}
