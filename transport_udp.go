package kixdns

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// udpSocketBufSize matches the original implementation's fixed 4MiB
// SO_RCVBUF/SO_SNDBUF sizing so a burst of concurrent upstream replies
// doesn't get dropped by the kernel under load.
const udpSocketBufSize = 4 * 1024 * 1024

// udpInflight tracks one outstanding query on a pooled socket: the rewritten
// ID it was sent under, the upstream address the query was actually sent
// to (so readLoop can reject a same-ID reply from anyone else), and the
// channel its reply is delivered on.
type udpInflight struct {
	origID   uint16
	upstream string
	ch       chan udpReply
}

type udpReply struct {
	bytes []byte
	err   error
}

// udpSocket is one pooled, connectionless socket plus its own inflight ID
// map. Queries to different upstreams share the pool; the rewritten ID
// disambiguates concurrent in-flight queries on the same socket regardless
// of which upstream they're addressed to (§4.7.1).
type udpSocket struct {
	conn net.PacketConn

	mu       sync.Mutex
	inflight map[uint16]*udpInflight
	nextID   uint16
}

func newUDPSocket() (*udpSocket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}
	if uc, ok := conn.(*net.UDPConn); ok {
		_ = uc.SetReadBuffer(udpSocketBufSize)
		_ = uc.SetWriteBuffer(udpSocketBufSize)
	}
	s := &udpSocket{conn: conn, inflight: make(map[uint16]*udpInflight)}
	go s.readLoop()
	return s, nil
}

func (s *udpSocket) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if n < 2 {
			continue
		}
		id := uint16(buf[0])<<8 | uint16(buf[1])

		s.mu.Lock()
		inf, found := s.inflight[id]
		if found {
			// A reply claiming this ID that didn't come from the upstream we
			// sent it to is either off-path noise or a spoofing attempt;
			// drop it and keep waiting for the real reply (or the timeout)
			// rather than consuming the inflight slot.
			if from == nil || from.String() != inf.upstream {
				found = false
			} else {
				delete(s.inflight, id)
			}
		}
		s.mu.Unlock()
		if !found {
			continue
		}

		out := make([]byte, n)
		copy(out, buf[:n])
		out[0] = byte(inf.origID >> 8)
		out[1] = byte(inf.origID)
		inf.ch <- udpReply{bytes: out}
	}
}

// allocateID linear-probes for a free rewritten ID, capped at 100 tries to
// bound worst-case latency under heavy concurrent load on one socket
// (§4.7.1); when every probe is taken, send reports PoolExhausted without
// trying another pooled socket.
func (s *udpSocket) allocateID() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 100; i++ {
		id := s.nextID
		s.nextID++
		if _, taken := s.inflight[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

func (s *udpSocket) send(ctx context.Context, upstream string, packet []byte, origID uint16, timeout time.Duration) ([]byte, error) {
	addr, err := net.ResolveUDPAddr("udp", upstream)
	if err != nil {
		return nil, errors.Wrap(err, "resolve upstream")
	}

	id, ok := s.allocateID()
	if !ok {
		return nil, &PoolExhausted{Transport: "udp"}
	}

	ch := make(chan udpReply, 1)
	s.mu.Lock()
	s.inflight[id] = &udpInflight{origID: origID, upstream: addr.String(), ch: ch}
	s.mu.Unlock()

	out := make([]byte, len(packet))
	copy(out, packet)
	out[0] = byte(id >> 8)
	out[1] = byte(id)

	if _, err := s.conn.WriteTo(out, addr); err != nil {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		return nil, &UpstreamIo{Upstream: upstream, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.bytes, r.err
	case <-timer.C:
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		return nil, &UpstreamTimeout{Upstream: upstream}
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// UDPTransport is a round-robin pool of pooled sockets (§4.7.1). A pool
// size of 0 disables pooling entirely: every call opens its own ephemeral
// connected socket and accepts whatever comes back whose first two bytes
// match the sent ID, matching the original's pool_size==0 special case for
// environments that can't tolerate shared sockets.
type UDPTransport struct {
	sockets []*udpSocket
	next    uint32
	mu      sync.Mutex
}

// NewUDPTransport builds a pool of poolSize sockets. poolSize == 0 yields a
// transport whose Forward opens a fresh ephemeral socket per call.
func NewUDPTransport(poolSize int) (*UDPTransport, error) {
	t := &UDPTransport{}
	for i := 0; i < poolSize; i++ {
		s, err := newUDPSocket()
		if err != nil {
			return nil, err
		}
		t.sockets = append(t.sockets, s)
	}
	return t, nil
}

func (t *UDPTransport) pick() *udpSocket {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sockets) == 0 {
		return nil
	}
	s := t.sockets[t.next%uint32(len(t.sockets))]
	t.next++
	return s
}

// Forward implements Forwarder.
func (t *UDPTransport) Forward(ctx context.Context, upstream string, packet []byte, timeout time.Duration) ([]byte, error) {
	if len(packet) < 2 {
		return nil, &ParseFailure{Reason: "packet too short for udp forward"}
	}
	origID := uint16(packet[0])<<8 | uint16(packet[1])

	if len(t.sockets) == 0 {
		return t.forwardEphemeral(ctx, upstream, packet, origID, timeout)
	}

	s := t.pick()
	return s.send(ctx, upstream, packet, origID, timeout)
}

// forwardEphemeral implements the pool_size==0 special case: a freshly
// connected, unshared UDP socket used for exactly one query/response round
// trip (§4.7.1).
func (t *UDPTransport) forwardEphemeral(ctx context.Context, upstream string, packet []byte, origID uint16, timeout time.Duration) ([]byte, error) {
	conn, err := net.Dial("udp", upstream)
	if err != nil {
		return nil, &UpstreamIo{Upstream: upstream, Err: err}
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(packet); err != nil {
		return nil, &UpstreamIo{Upstream: upstream, Err: err}
	}

	buf := make([]byte, 65535)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, &UpstreamTimeout{Upstream: upstream}
			}
			return nil, &UpstreamIo{Upstream: upstream, Err: err}
		}
		if n >= 2 && (uint16(buf[0])<<8|uint16(buf[1])) == origID {
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}
