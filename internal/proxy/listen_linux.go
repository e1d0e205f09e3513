//go:build linux

// Listener setup for the proxy's HTTP and HTTPS sockets. Both are bound
// with SO_REUSEPORT, adapted directly from caddy's listen_linux.go
// reusePort control function, so that a future tako-server restart or
// cluster of worker processes can bind the same port without EADDRINUSE
// during a handoff.
package proxy

import (
	"context"
	"net"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tako-run/tako/internal/applog"
)

// Listen binds addr with SO_REUSEPORT set on the underlying socket.
func Listen(network, addr string) (net.Listener, error) {
	lc := &net.ListenConfig{Control: reusePort}
	return lc.Listen(context.Background(), network, addr)
}

func reusePort(network, address string, conn syscall.RawConn) error {
	var controlErr error
	err := conn.Control(func(descriptor uintptr) {
		if err := unix.SetsockoptInt(int(descriptor), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			applog.Named("proxy").Error("setting SO_REUSEPORT",
				zap.String("network", network),
				zap.String("address", address),
				zap.Error(err))
			controlErr = err
		}
	})
	if err != nil {
		return err
	}
	return controlErr
}
