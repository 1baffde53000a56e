package kixdns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestUDPSocketRejectsReplyFromUnexpectedSender exercises the sender
// verification added to readLoop: a same-ID reply arriving from an address
// other than the one the query was sent to must be dropped, and the
// caller must still receive the legitimate reply once it arrives.
func TestUDPSocketRejectsReplyFromUnexpectedSender(t *testing.T) {
	upstream, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer upstream.Close()

	attacker, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer attacker.Close()

	s, err := newUDPSocket()
	require.NoError(t, err)
	defer s.conn.Close()

	legitPayload := []byte("legit-reply-0123456789")

	go func() {
		buf := make([]byte, 512)
		n, from, err := upstream.ReadFrom(buf)
		if err != nil {
			return
		}
		rewrittenID := buf[:2]

		// Attacker spoofs a reply under the same rewritten ID, from a
		// different source address, before the real upstream answers.
		spoofed := append(append([]byte{}, rewrittenID...), []byte("spoofed-garbage")...)
		_, _ = attacker.WriteTo(spoofed, s.conn.LocalAddr())

		time.Sleep(20 * time.Millisecond)

		reply := append(append([]byte{}, rewrittenID...), legitPayload...)
		_, _ = upstream.WriteTo(reply, from)
	}()

	packet := append([]byte{0x12, 0x34}, []byte("query-body")...)
	out, err := s.send(context.Background(), upstream.LocalAddr().String(), packet, 0x1234, time.Second)
	require.NoError(t, err)
	require.Equal(t, append([]byte{0x12, 0x34}, legitPayload...), out)
}
