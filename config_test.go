package kixdns

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatchOperatorUnmarshalAliases(t *testing.T) {
	cases := map[string]MatchOperator{
		`""`:        OpAnd,
		`"and"`:     OpAnd,
		`"or"`:      OpOr,
		`"and_not"`: OpAndNot,
		`"not"`:     OpAndNot,
		`"or-not"`:  OpOrNot,
	}
	for raw, want := range cases {
		var op MatchOperator
		require.NoError(t, json.Unmarshal([]byte(raw), &op), raw)
		require.Equal(t, want, op, raw)
	}

	var op MatchOperator
	require.Error(t, json.Unmarshal([]byte(`"bogus"`), &op))
}

func TestToActionKnowsAllKinds(t *testing.T) {
	cases := []struct {
		in   actionJSON
		kind ActionKind
	}{
		{actionJSON{Type: "log", Level: "info"}, ActionLog},
		{actionJSON{Type: "static_response", Rcode: "SERVFAIL"}, ActionStaticResponse},
		{actionJSON{Type: "static_ip_response", IP: "1.2.3.4"}, ActionStaticIPResponse},
		{actionJSON{Type: "jump_to_pipeline", Pipeline: "next"}, ActionJumpToPipeline},
		{actionJSON{Type: "allow"}, ActionAllow},
		{actionJSON{Type: "deny"}, ActionDeny},
		{actionJSON{Type: "forward", Upstream: "1.1.1.1:53"}, ActionForward},
		{actionJSON{Type: "continue"}, ActionContinue},
	}
	for _, c := range cases {
		a, err := c.in.toAction()
		require.NoError(t, err, c.in.Type)
		require.Equal(t, c.kind, a.Kind, c.in.Type)
	}

	_, err := actionJSON{Type: "nonsense"}.toAction()
	require.Error(t, err)
}

func TestToRequestMatcherDomainSuffixStripsLeadingDot(t *testing.T) {
	m, err := matcherJSON{Type: "domain_suffix", Value: ".Example.COM"}.toRequestMatcher()
	require.NoError(t, err)
	dm, ok := m.(DomainSuffixMatcher)
	require.True(t, ok)
	require.Equal(t, "example.com", dm.Value)
}

func TestParseCIDRListAcceptsBareIP(t *testing.T) {
	nets, err := parseCIDRList("10.0.0.0/8, 192.168.1.5")
	require.NoError(t, err)
	require.Len(t, nets, 2)
	ones, _ := nets[1].Mask.Size()
	require.Equal(t, 32, ones)
}
