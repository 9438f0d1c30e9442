package iec104

import (
	"errors"
)

// error defined
var (
	ErrConnectionClosed = errors.New("use of closed connection")
	ErrNotConnected     = errors.New("not connected")
	ErrServerClosed     = errors.New("server closed")
	ErrServerStarted    = errors.New("server already started")
)
