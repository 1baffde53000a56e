package kixdns

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestEngineFastReturnsStaticAnswerAndPopulatesL1(t *testing.T) {
	cc, err := Compile(simpleConfig())
	require.NoError(t, err)

	e := NewEngine("test", cc, nil, nil)
	packet := packQuestion(t, "x.ads.example.com.", dns.TypeA)
	client := ClientInfo{SourceIP: net.ParseIP("127.0.0.1"), Listener: "default"}

	resp, handled, err := e.Fast(packet, client)
	require.NoError(t, err)
	require.True(t, handled)

	var msg dns.Msg
	require.NoError(t, msg.Unpack(resp))
	require.Equal(t, dns.RcodeNameError, msg.Rcode)

	require.Equal(t, 1, e.RuleCache.Len())

	// Second call should hit the L1 cache rather than re-walking the index.
	resp2, handled2, err := e.Fast(packet, client)
	require.NoError(t, err)
	require.True(t, handled2)
	require.Equal(t, resp, resp2)
}

func TestEngineFastDeclinesWhenNoStaticRuleMatches(t *testing.T) {
	cc, err := Compile(simpleConfig())
	require.NoError(t, err)
	e := NewEngine("test", cc, nil, nil)

	packet := packQuestion(t, "unrelated.example.net.", dns.TypeA)
	client := ClientInfo{SourceIP: net.ParseIP("127.0.0.1"), Listener: "default"}

	_, handled, err := e.Fast(packet, client)
	require.NoError(t, err)
	require.False(t, handled, "only a Continue-matching rule applies, so Fast must defer to Handle")
}

func TestSelectPipelineFallsBackToDefault(t *testing.T) {
	cc, err := Compile(simpleConfig())
	require.NoError(t, err)
	e := NewEngine("test", cc, nil, nil)

	p, ok := e.SelectPipeline(cc, MatchContext{QName: "anything.", QType: dns.TypeA})
	require.True(t, ok)
	require.Equal(t, "default", p.ID)
}

func TestEngineSwapReplacesConfigAtomically(t *testing.T) {
	cc1, err := Compile(simpleConfig())
	require.NoError(t, err)
	e := NewEngine("test", cc1, nil, nil)

	cc2, err := Compile(&Config{Settings: defaultSettings(), Pipelines: []pipelineJSON{{ID: "default"}}})
	require.NoError(t, err)
	e.Swap(cc2)

	require.Same(t, cc2, e.Config())
}
