package iec104

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

const (
	colorReset = "\033[0m"
	colorCyan  = "\033[36m"
)

// printServerBanner prints the server startup banner
func printServerBanner(addr string, points int) {
	pid := os.Getpid()
	host, port := splitAddr(addr)

	fmt.Printf("%sIEC 60870-5-104 Gateway%s\n", colorCyan, colorReset)
	fmt.Printf("Address: %s\n", addr)
	fmt.Printf("Bound on host %s and port %s\n", host, port)
	fmt.Printf("Protocol: %sIEC 60870-5-104%s\n", colorCyan, colorReset)
	fmt.Printf("Points: %d\n", points)
	fmt.Printf("PID: %s%d%s\n", colorCyan, pid, colorReset)
	fmt.Println()
}

func splitAddr(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "0.0.0.0", strconv.Itoa(DefaultPort)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port
}
