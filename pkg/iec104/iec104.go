// Package iec104 implements the controlled-station side of IEC 60870-5-104
// for a telemetry gateway: APCI/ASDU codec, measurement cache, control
// command life cycle, connection manager and cyclic broadcaster. A small
// master-station client is included for probing and tests.
package iec104

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPort is the registered IEC 60870-5-104 TCP port.
const DefaultPort = 2404

func init() {
	// Configure logger
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.SetLevel(logrus.InfoLevel)
}

// ListenAddr opens the TCP listener used by the Server.
func ListenAddr(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// DialAddr connects to a controlled station.
func DialAddr(addr string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		return net.Dial("tcp", addr)
	}
	return net.DialTimeout("tcp", addr, timeout)
}
