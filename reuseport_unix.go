//go:build unix

package kixdns

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseportListenPacket binds a UDP socket with SO_REUSEPORT so that
// several worker goroutines can each own their own socket on the same
// address and let the kernel load-balance incoming packets across them,
// instead of funneling every packet through one shared socket and channel
// (§5, grounded on the original implementation's per-worker SO_REUSEPORT
// socket setup in main.rs).
func reuseportListenPacket(network, address string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(fd_network, fd_address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(context.Background(), network, address)
}
