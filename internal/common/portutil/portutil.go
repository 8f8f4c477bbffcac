// Package portutil allocates loopback ports for backend servers that must
// be told their listen address before they start.
package portutil

import (
	"fmt"
	"net"
)

// AllocatePort asks the OS for an available loopback port by binding to
// 127.0.0.1:0 and releasing the listener. The spawned server binds the
// returned port itself.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}
