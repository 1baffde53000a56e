package kixdns

import (
	"fmt"
	"net"
)

// Listener is a frontend that accepts packets and feeds them to an Engine.
type Listener interface {
	Start() error
	fmt.Stringer
}

// ClientInfo carries request-scoped metadata a listener hands to matchers
// (client IP for ClientIp matchers, listener label for pipeline selection).
type ClientInfo struct {
	SourceIP net.IP
	Listener string
}
