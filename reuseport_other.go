//go:build !unix

package kixdns

import (
	"context"
	"net"
	"sync"
)

// sharedUDPConns holds the single socket bound per address on platforms
// without SO_REUSEPORT.
var sharedUDPConns = struct {
	sync.Mutex
	m map[string]net.PacketConn
}{m: map[string]net.PacketConn{}}

// reuseportListenPacket falls back to an ordinary socket on platforms
// without SO_REUSEPORT; all UDP workers share this one listener instead of
// each owning their own (§5): the first call for an address binds it, later
// calls return the same socket.
func reuseportListenPacket(network, address string) (net.PacketConn, error) {
	sharedUDPConns.Lock()
	defer sharedUDPConns.Unlock()
	key := network + " " + address
	if conn, ok := sharedUDPConns.m[key]; ok {
		return conn, nil
	}
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), network, address)
	if err != nil {
		return nil, err
	}
	sharedUDPConns.m[key] = conn
	return conn, nil
}
