package iec104

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is a minimal master station: it starts data transfer, sends
// interrogations and control commands and hands every decoded ASDU to
// Handler.
type Client struct {
	Addr          string
	CommonAddress uint16
	Handler       func(Message)

	conn              net.Conn
	connMu            sync.RWMutex // Protects conn
	writeMu           sync.Mutex
	heartbeatInterval time.Duration
	dialTimeout       time.Duration
	ctx               context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup // WaitGroup for graceful shutdown
	lastRx            time.Time      // Track last frame received
	lastRxMu          sync.RWMutex   // Protects lastRx
	startDTCon        chan struct{}
	testFRCon         chan struct{}
}

// ClientConfig holds configuration for the client
type ClientConfig struct {
	Addr              string
	CommonAddress     uint16
	Handler           func(Message)
	HeartbeatInterval time.Duration // TESTFR period, 20s by default
	DialTimeout       time.Duration
}

// NewClient creates a new master client
func NewClient(config ClientConfig) *Client {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 20 * time.Second
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.CommonAddress == 0 {
		config.CommonAddress = DefaultCommonAddress
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		Addr:              config.Addr,
		CommonAddress:     config.CommonAddress,
		Handler:           config.Handler,
		heartbeatInterval: config.HeartbeatInterval,
		dialTimeout:       config.DialTimeout,
		ctx:               ctx,
		cancel:            cancel,
		startDTCon:        make(chan struct{}, 1),
		testFRCon:         make(chan struct{}, 1),
	}
}

// Connect establishes a connection to the controlled station
func (c *Client) Connect() error {
	logrus.WithFields(logrus.Fields{
		"component": "client",
		"action":    "connecting",
		"server":    c.Addr,
	}).Info("Connecting to IEC 104 station...")

	conn, err := DialAddr(c.Addr, c.dialTimeout)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "client",
			"action":    "connect",
			"error":     err,
		}).Error("Failed to dial station")
		return fmt.Errorf("failed to dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.touch()

	logrus.WithFields(logrus.Fields{
		"component": "client",
		"action":    "connected",
		"server":    c.Addr,
	}).Info("Successfully connected to IEC 104 station")

	c.wg.Add(2)
	go c.startHeartbeat()
	go c.readLoop(conn)

	return nil
}

func (c *Client) touch() {
	c.lastRxMu.Lock()
	c.lastRx = time.Now()
	c.lastRxMu.Unlock()
}

func (c *Client) write(frame []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := conn.Write(frame)
	return err
}

func (c *Client) await(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrNotConnected
	}
}

// StartDT sends STARTDT act and waits for the confirmation.
func (c *Client) StartDT(ctx context.Context) error {
	if err := c.write(EncodeUFrame(UStartDTAct)); err != nil {
		return fmt.Errorf("send startdt: %w", err)
	}
	return c.await(ctx, c.startDTCon)
}

// TestFR sends TESTFR act and waits for the confirmation.
func (c *Client) TestFR(ctx context.Context) error {
	if err := c.write(EncodeUFrame(UTestFRAct)); err != nil {
		return fmt.Errorf("send testfr: %w", err)
	}
	return c.await(ctx, c.testFRCon)
}

// Interrogate sends a station interrogation. Responses arrive on Handler.
func (c *Client) Interrogate() error {
	return c.send(EncodeInterrogation(c.CommonAddress, QOIStation, CauseActivation))
}

// SendSingleCommand sends a direct-execute single command.
func (c *Client) SendSingleCommand(ioa uint32, state bool) error {
	return c.send(EncodeSingleCommand(SingleCommand{
		Cause:         CauseActivation,
		CommonAddress: c.CommonAddress,
		Address:       ioa,
		State:         state,
	}, CauseActivation))
}

// SendSetPoint sends a direct-execute short floating point set point.
func (c *Client) SendSetPoint(ioa uint32, value float32) error {
	return c.send(EncodeSetPointCommand(SetPointCommand{
		Cause:         CauseActivation,
		CommonAddress: c.CommonAddress,
		Address:       ioa,
		Value:         value,
	}, CauseActivation))
}

func (c *Client) send(asdu []byte) error {
	if err := c.write(EncodeFrame(asdu)); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "client",
			"action":    "send",
			"type":      TypeID(asdu[0]).String(),
			"error":     err,
		}).Error("Failed to send ASDU")
		return err
	}
	logrus.WithFields(logrus.Fields{
		"component": "client",
		"action":    "send",
		"type":      TypeID(asdu[0]).String(),
	}).Debug("Sent ASDU to station")
	return nil
}

// Close closes the connection
func (c *Client) Close() error {
	logrus.WithFields(logrus.Fields{
		"component": "client",
		"action":    "closing",
	}).Info("Closing client connection")

	// Cancel context to signal all goroutines to stop
	c.cancel()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.WithFields(logrus.Fields{
			"component": "client",
			"action":    "closing",
		}).Debug("All goroutines finished")
	case <-time.After(5 * time.Second):
		logrus.WithFields(logrus.Fields{
			"component": "client",
			"action":    "closing",
		}).Warn("Timeout waiting for goroutines to finish")
	}
	return err
}

func (c *Client) dropConn(reason string) {
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	logrus.WithFields(logrus.Fields{
		"component": "client",
		"action":    "disconnect",
		"server":    c.Addr,
		"reason":    reason,
	}).Warn("Connection to station dropped")
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	reader := NewFrameReader(conn)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if c.ctx.Err() != nil {
				logrus.WithFields(logrus.Fields{
					"component": "client",
					"action":    "shutdown",
					"server":    c.Addr,
				}).Info("Stopping read loop due to client shutdown")
				return
			}
			reason := ReasonReadError
			if errors.Is(err, io.EOF) {
				reason = ReasonClosedByPeer
			}
			c.dropConn(reason)
			return
		}
		c.touch()

		switch frame.Format {
		case FormatU:
			switch frame.UFunction() {
			case UStartDTCon:
				notify(c.startDTCon)
			case UTestFRCon:
				notify(c.testFRCon)
			case UTestFRAct:
				if err := c.write(EncodeUFrame(UTestFRCon)); err != nil {
					c.dropConn(ReasonWriteError)
					return
				}
			}
		case FormatI:
			msg, err := DecodeASDU(frame.ASDU)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"component": "client",
					"action":    "decode",
					"error":     err,
				}).Debug("Ignoring undecodable ASDU")
				continue
			}
			if c.Handler != nil {
				c.Handler(msg)
			}
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Client) startHeartbeat() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			logrus.WithFields(logrus.Fields{
				"component": "client",
				"action":    "shutdown",
				"server":    c.Addr,
			}).Debug("Stopping heartbeat due to client shutdown")
			return
		case <-ticker.C:
			c.lastRxMu.RLock()
			idle := time.Since(c.lastRx)
			c.lastRxMu.RUnlock()

			if idle > c.heartbeatInterval*3 {
				logrus.WithFields(logrus.Fields{
					"component": "client",
					"action":    "heartbeat_timeout",
					"server":    c.Addr,
					"idle":      idle.String(),
				}).Warn("Station heartbeat timeout detected, closing connection")
				c.dropConn("heartbeat_timeout")
				return
			}

			if err := c.write(EncodeUFrame(UTestFRAct)); err != nil {
				if errors.Is(err, ErrNotConnected) {
					return
				}
				logrus.WithFields(logrus.Fields{
					"component": "client",
					"action":    "heartbeat",
					"server":    c.Addr,
					"error":     err,
				}).Error("TESTFR failed, closing connection")
				c.dropConn(ReasonWriteError)
				return
			}
		}
	}
}
