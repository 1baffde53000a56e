package kixdns

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func packQuestion(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	out, err := msg.Pack()
	require.NoError(t, err)
	return out
}

func TestParseQuickRequestMatchesFullDecode(t *testing.T) {
	packet := packQuestion(t, "Example.COM.", dns.TypeA)

	var buf [256]byte
	q, ok := ParseQuickRequest(packet, buf[:])
	require.True(t, ok)

	var full dns.Msg
	require.NoError(t, full.Unpack(packet))

	require.Equal(t, full.Id, q.TxID)
	require.Equal(t, "example.com.", q.QName)
	require.Equal(t, full.Question[0].Qtype, q.QType)
	require.Equal(t, full.Question[0].Qclass, q.QClass)
}

func TestParseQuickRequestRejectsTruncatedPacket(t *testing.T) {
	packet := packQuestion(t, "a.b.c.", dns.TypeAAAA)
	var buf [256]byte
	_, ok := ParseQuickRequest(packet[:len(packet)-3], buf[:])
	require.False(t, ok)
}

func TestParseQuickRequestRejectsForwardCompressionPointer(t *testing.T) {
	// Header + a single label whose length byte is a compression pointer
	// aimed forward (at itself), which must never be followed.
	packet := make([]byte, 18)
	packet[5] = 1 // qdcount = 1
	packet[12] = 0xC0
	packet[13] = 12 // points at itself: not "backward"
	var buf [256]byte
	_, ok := ParseQuickRequest(packet, buf[:])
	require.False(t, ok)
}

func TestParseQuickRequestRejectsPointerCycle(t *testing.T) {
	packet := make([]byte, 16)
	packet[5] = 1
	packet[12] = 0xC0
	packet[13] = 14
	packet[14] = 0xC0
	packet[15] = 12 // 12 -> 14 -> 12: cycle via a forward-then-backward pair
	var buf [256]byte
	_, ok := ParseQuickRequest(packet, buf[:])
	require.False(t, ok)
}

func TestParseQuickResponseExtractsMinTTL(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: []byte{1, 2, 3, 4}},
		&dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}, A: []byte{5, 6, 7, 8}},
	}
	packet, err := resp.Pack()
	require.NoError(t, err)

	q, ok := ParseQuickResponse(packet)
	require.True(t, ok)
	require.Equal(t, uint8(dns.RcodeSuccess), q.Rcode)
	require.Equal(t, uint32(60), q.MinTTL)
}

func TestParseQuickResponseNoAnswersZeroTTL(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeNameError)
	packet, err := resp.Pack()
	require.NoError(t, err)

	q, ok := ParseQuickResponse(packet)
	require.True(t, ok)
	require.Equal(t, uint8(dns.RcodeNameError), q.Rcode)
	require.Equal(t, uint32(0), q.MinTTL)
}
