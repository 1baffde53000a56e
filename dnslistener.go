package kixdns

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"runtime"
	"time"

	"github.com/miekg/dns"
)

// udpWorkerReadBuf is sized for the maximum EDNS0 UDP payload any client is
// realistically configured to send.
const udpWorkerReadBuf = 4096

// tcpMaxFrame bounds a single incoming TCP query frame (§6 wire protocol).
const tcpMaxFrame = 65535

// UDPListener runs one or more SO_REUSEPORT worker goroutines (on Unix;
// a single shared socket elsewhere) that each try Engine.Fast first and
// only spawn a goroutine into Engine.Handle when the fast path declines
// (§4.4's two-path contract, grounded on the original run_udp_worker loop).
type UDPListener struct {
	Label      string
	Addr       string
	Engine     *Engine
	NumWorkers int

	conns []net.PacketConn
}

// NewUDPListener constructs a listener that will bind numWorkers sockets (0
// meaning runtime.NumCPU()) once Start is called.
func NewUDPListener(label, addr string, engine *Engine, numWorkers int) *UDPListener {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	return &UDPListener{Label: label, Addr: addr, Engine: engine, NumWorkers: numWorkers}
}

func (l *UDPListener) String() string { return "udp:" + l.Addr + "[" + l.Label + "]" }

// Start binds its worker sockets and launches their read loops; it returns
// once binding succeeds, with the loops running in the background.
func (l *UDPListener) Start() error {
	for i := 0; i < l.NumWorkers; i++ {
		conn, err := reuseportListenPacket("udp", l.Addr)
		if err != nil {
			return &UpstreamIo{Upstream: l.Addr, Err: err}
		}
		l.conns = append(l.conns, conn)
		go l.runWorker(conn)
	}
	return nil
}

func (l *UDPListener) runWorker(conn net.PacketConn) {
	buf := make([]byte, udpWorkerReadBuf)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])

		client := ClientInfo{SourceIP: udpAddrIP(addr), Listener: l.Label}

		resp, handled, err := l.Engine.Fast(packet, client)
		if err != nil {
			Log.Debug("udp fast path error", "error", err)
		}
		if handled {
			if resp != nil {
				_, _ = conn.WriteTo(resp, addr)
			}
			continue
		}

		go func(packet []byte, addr net.Addr) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			resp, err := l.Engine.Handle(ctx, packet, client)
			if err != nil {
				Log.Debug("udp handle error", "error", err)
				return
			}
			_, _ = conn.WriteTo(resp, addr)
		}(packet, addr)
	}
}

func udpAddrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}

// TCPListener accepts connections and serves each with 2-byte
// length-prefixed framing, always going through Engine.Handle since the
// fast path has no benefit on TCP's already-async-friendly connection
// model (§6).
type TCPListener struct {
	Label    string
	Addr     string
	Engine   *Engine
	listener net.Listener
}

func NewTCPListener(label, addr string, engine *Engine) *TCPListener {
	return &TCPListener{Label: label, Addr: addr, Engine: engine}
}

func (l *TCPListener) String() string { return "tcp:" + l.Addr + "[" + l.Label + "]" }

func (l *TCPListener) Start() error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return &UpstreamIo{Upstream: l.Addr, Err: err}
	}
	l.listener = ln
	go l.acceptLoop()
	return nil
}

func (l *TCPListener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		go l.serveConn(conn)
	}
}

func (l *TCPListener) serveConn(conn net.Conn) {
	defer conn.Close()
	client := ClientInfo{SourceIP: tcpAddrIP(conn.RemoteAddr()), Listener: l.Label}
	lenBuf := make([]byte, 2)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(lenBuf)
		if n == 0 || int(n) > tcpMaxFrame {
			return
		}
		packet := make([]byte, n)
		if _, err := io.ReadFull(conn, packet); err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		resp, err := l.Engine.Handle(ctx, packet, client)
		cancel()
		if err != nil {
			Log.Debug("tcp handle error", "error", err)
			resp = refusedFor(packet)
			if resp == nil {
				return
			}
		}

		out := make([]byte, 2+len(resp))
		binary.BigEndian.PutUint16(out, uint16(len(resp)))
		copy(out[2:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func tcpAddrIP(addr net.Addr) net.IP {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// refusedFor builds a minimal REFUSED reply for a packet that failed to
// parse or process, so a listener can still answer with something rather
// than silently dropping the connection on every error.
func refusedFor(packet []byte) []byte {
	req := new(dns.Msg)
	if err := req.Unpack(packet); err != nil {
		return nil
	}
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeRefused)
	out, err := resp.Pack()
	if err != nil {
		return nil
	}
	return out
}
