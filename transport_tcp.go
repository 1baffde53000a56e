package kixdns

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// tcpClientSemaphoreCap bounds concurrent in-flight queries per pooled
// connection so one slow upstream can't let an unbounded number of queries
// pile up waiting on a single socket (§4.7.2).
const tcpClientSemaphoreCap = 128

type tcpPending struct {
	ch chan tcpReply
}

type tcpReply struct {
	bytes []byte
	err   error
}

// tcpMuxClient multiplexes many concurrent queries over one long-lived TCP
// connection to a single upstream, using 2-byte length-prefixed framing and
// an ID-rewrite map exactly like the UDP transport, but with a dedicated
// reader goroutine that propagates a connection failure to every pending
// waiter at once (§4.7.2).
type tcpMuxClient struct {
	upstream string

	mu       sync.Mutex
	conn     net.Conn
	pending  map[uint16]*tcpPending
	nextID   uint16
	sem      chan struct{}
	dead     bool
	deadErr  error
	writeMu  sync.Mutex
}

func newTCPMuxClient(upstream string) *tcpMuxClient {
	return &tcpMuxClient{
		upstream: upstream,
		pending:  make(map[uint16]*tcpPending),
		sem:      make(chan struct{}, tcpClientSemaphoreCap),
	}
}

func (c *tcpMuxClient) ensureConnected(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.dead {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.upstream, timeout)
	if err != nil {
		return errors.Wrap(err, "dial tcp upstream")
	}
	c.conn = conn
	c.dead = false
	c.deadErr = nil
	c.pending = make(map[uint16]*tcpPending)
	go c.readLoop(conn)
	return nil
}

// readLoop owns the connection's read half for its lifetime: it frames
// incoming 2-byte-length-prefixed messages, matches them to pending waiters
// by rewritten ID, and on any read error marks the client dead and wakes
// every remaining waiter with that error so no caller blocks forever on a
// connection that will never produce more data.
func (c *tcpMuxClient) readLoop(conn net.Conn) {
	lenBuf := make([]byte, 2)
	for {
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			c.fail(errors.Wrap(err, "tcp read length"))
			return
		}
		n := binary.BigEndian.Uint16(lenBuf)
		msg := make([]byte, n)
		if _, err := io.ReadFull(conn, msg); err != nil {
			c.fail(errors.Wrap(err, "tcp read body"))
			return
		}
		if len(msg) < 2 {
			continue
		}
		id := uint16(msg[0])<<8 | uint16(msg[1])

		c.mu.Lock()
		p, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			p.ch <- tcpReply{bytes: msg}
			select {
			case <-c.sem:
			default:
			}
		}
	}
}

func (c *tcpMuxClient) fail(err error) {
	c.mu.Lock()
	c.dead = true
	c.deadErr = err
	pending := c.pending
	c.pending = make(map[uint16]*tcpPending)
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	for _, p := range pending {
		p.ch <- tcpReply{err: err}
	}
}

func (c *tcpMuxClient) allocateID() (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < 0x10000; i++ {
		id := c.nextID
		c.nextID++
		if _, taken := c.pending[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

func (c *tcpMuxClient) send(ctx context.Context, packet []byte, origID uint16, timeout time.Duration) ([]byte, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := c.ensureConnected(timeout); err != nil {
		<-c.sem
		return nil, &UpstreamIo{Upstream: c.upstream, Err: err}
	}

	id, ok := c.allocateID()
	if !ok {
		<-c.sem
		return nil, &PoolExhausted{Transport: "tcp"}
	}

	ch := make(chan tcpReply, 1)
	c.mu.Lock()
	c.pending[id] = &tcpPending{ch: ch}
	conn := c.conn
	c.mu.Unlock()

	framed := make([]byte, 2+len(packet))
	binary.BigEndian.PutUint16(framed, uint16(len(packet)))
	copy(framed[2:], packet)
	framed[2] = byte(id >> 8)
	framed[3] = byte(id)

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	_, werr := conn.Write(framed)
	c.writeMu.Unlock()
	if werr != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		<-c.sem
		c.fail(werr)
		return nil, &UpstreamIo{Upstream: c.upstream, Err: werr}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err == nil && len(r.bytes) >= 2 {
			r.bytes[0] = byte(origID >> 8)
			r.bytes[1] = byte(origID)
		}
		return r.bytes, r.err
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &UpstreamTimeout{Upstream: c.upstream}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// TCPTransport is a per-upstream pool of tcpMuxClients (§4.7.2): lazily
// connected on first use, one round-robin-selected client handles many
// concurrent queries to the same upstream.
type TCPTransport struct {
	poolSize int

	mu      sync.Mutex
	clients map[string][]*tcpMuxClient
	next    map[string]uint32
}

func NewTCPTransport(poolSize int) *TCPTransport {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &TCPTransport{
		poolSize: poolSize,
		clients:  make(map[string][]*tcpMuxClient),
		next:     make(map[string]uint32),
	}
}

func (t *TCPTransport) pick(upstream string) *tcpMuxClient {
	t.mu.Lock()
	defer t.mu.Unlock()
	pool, ok := t.clients[upstream]
	if !ok {
		pool = make([]*tcpMuxClient, t.poolSize)
		for i := range pool {
			pool[i] = newTCPMuxClient(upstream)
		}
		t.clients[upstream] = pool
	}
	idx := t.next[upstream] % uint32(len(pool))
	t.next[upstream] = t.next[upstream] + 1
	return pool[idx]
}

// Forward implements Forwarder.
func (t *TCPTransport) Forward(ctx context.Context, upstream string, packet []byte, timeout time.Duration) ([]byte, error) {
	if len(packet) < 2 {
		return nil, &ParseFailure{Reason: "packet too short for tcp forward"}
	}
	origID := uint16(packet[0])<<8 | uint16(packet[1])
	c := t.pick(upstream)
	return c.send(ctx, packet, origID, timeout)
}
