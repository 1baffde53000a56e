package kixdns

import (
	"context"
	"expvar"
	"net"
	"net/http"
	"time"
)

const adminServerTimeout = 10 * time.Second

// AdminListener is an optional HTTP listener exposing expvar counters
// (cache hits/misses, dedup joins, upstream call counts, jumps, servfails)
// for an Engine. It is only started when settings.admin_listen is set in
// config; silent otherwise.
type AdminListener struct {
	httpServer *http.Server
	id         string
	addr       string
	mux        *http.ServeMux
}

var _ Listener = &AdminListener{}

// NewAdminListener returns an admin service listener serving /debug/vars.
func NewAdminListener(id, addr string) *AdminListener {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	return &AdminListener{
		id:   id,
		addr: addr,
		mux:  mux,
	}
}

// Start binds the admin HTTP server and serves it in the background,
// returning once the bind succeeds (matching the other Listener
// implementations' non-blocking Start contract).
func (s *AdminListener) Start() error {
	Log.Info("starting listener", "id", s.id, "protocol", "http", "addr", s.addr)
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  adminServerTimeout,
		WriteTimeout: adminServerTimeout,
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			Log.Warn("admin listener stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the admin server down gracefully.
func (s *AdminListener) Stop() error {
	Log.Info("stopping listener", "id", s.id, "addr", s.addr)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(context.Background())
}

func (s *AdminListener) String() string { return s.id }
