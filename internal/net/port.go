package net

import (
	"fmt"
	"net"
)

// EphemeralTCPPort asks the kernel for a free loopback TCP port by
// binding port 0 and immediately releasing it. There is an inherent race
// with other processes grabbing the port before the caller binds it, so
// bind as soon as possible after this returns.
func EphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
