package kixdns

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func simpleConfig() *Config {
	return &Config{
		Version:  "test",
		Settings: defaultSettings(),
		Pipelines: []pipelineJSON{
			{
				ID: "default",
				Rules: []ruleJSON{
					{
						Name: "block-ads",
						Matchers: []matcherJSON{
							{Type: "domain_suffix", Value: "ads.example.com"},
						},
						Actions: []actionJSON{{Type: "static_response", Rcode: "NXDOMAIN"}},
					},
					{
						Name: "sinkhole-tracker",
						Matchers: []matcherJSON{
							{Type: "domain_suffix", Value: "tracker.example.com"},
						},
						Actions: []actionJSON{{Type: "static_ip_response", IP: "0.0.0.0"}},
					},
					{
						Name: "always-log",
						Matchers: []matcherJSON{
							{Type: "any"},
						},
						Actions: []actionJSON{{Type: "continue"}},
					},
				},
			},
		},
	}
}

func TestCompileBuildsIndexAndPrecomputedActions(t *testing.T) {
	cc, err := Compile(simpleConfig())
	require.NoError(t, err)
	require.Len(t, cc.Pipelines, 1)

	p := cc.Pipelines[0]
	require.NotNil(t, p.Rules[0].Precomputed)
	require.Equal(t, dns.RcodeNameError, p.Rules[0].Precomputed.Rcode)
	require.True(t, p.Rules[1].Precomputed.IsIP)

	// The any-matcher rule is a pure AND chain of length 1, but AnyMatcher
	// isn't an index-understood primitive, so it lands in AlwaysCheck.
	require.Contains(t, p.Index.AlwaysCheck, 2)
}

func TestGetCandidatesFindsSuffixAndAlwaysCheck(t *testing.T) {
	cc, err := Compile(simpleConfig())
	require.NoError(t, err)
	p := cc.Pipelines[0]

	candidates := p.Index.GetCandidates("mail.ads.example.com.", dns.TypeA)
	require.Contains(t, candidates, 0) // block-ads
	require.Contains(t, candidates, 2) // always-log
	require.NotContains(t, candidates, 1)
}

func TestFastStaticMatchReturnsPrecomputedDecision(t *testing.T) {
	cc, err := Compile(simpleConfig())
	require.NoError(t, err)
	p := cc.Pipelines[0]

	ctx := MatchContext{QName: "x.ads.example.com.", QType: dns.TypeA}
	dec, matched := FastStaticMatch(&p, ctx)
	require.True(t, matched)
	require.Equal(t, DecisionStatic, dec.Kind)
	require.Equal(t, dns.RcodeNameError, dec.Rcode)
}

func TestFastStaticMatchNoMatchWhenOnlyContinueRuleApplies(t *testing.T) {
	cc, err := Compile(simpleConfig())
	require.NoError(t, err)
	p := cc.Pipelines[0]

	ctx := MatchContext{QName: "unrelated.example.net.", QType: dns.TypeA}
	_, matched := FastStaticMatch(&p, ctx)
	require.False(t, matched, "a Continue-only match has no precomputed action")
}

func TestCompileRejectsDanglingJumpTarget(t *testing.T) {
	cfg := &Config{
		Settings: defaultSettings(),
		Pipelines: []pipelineJSON{
			{
				ID: "default",
				Rules: []ruleJSON{
					{
						Name:     "jump-nowhere",
						Matchers: []matcherJSON{{Type: "any"}},
						Actions:  []actionJSON{{Type: "jump_to_pipeline", Pipeline: "does-not-exist"}},
					},
				},
			},
		},
	}
	_, err := Compile(cfg)
	require.Error(t, err)
	var ci *ConfigInvalid
	require.ErrorAs(t, err, &ci)
}

func TestCompileRejectsDuplicatePipelineID(t *testing.T) {
	cfg := &Config{
		Settings: defaultSettings(),
		Pipelines: []pipelineJSON{
			{ID: "dup"},
			{ID: "dup"},
		},
	}
	_, err := Compile(cfg)
	require.Error(t, err)
}

func TestMakeStaticIPAnswerIPv4AndIPv6(t *testing.T) {
	rcode, answers := makeStaticIPAnswer("example.com.", "203.0.113.5")
	require.Equal(t, dns.RcodeSuccess, rcode)
	require.IsType(t, &dns.A{}, answers[0])

	rcode, answers = makeStaticIPAnswer("example.com.", "2001:db8::1")
	require.Equal(t, dns.RcodeSuccess, rcode)
	require.IsType(t, &dns.AAAA{}, answers[0])

	rcode, answers = makeStaticIPAnswer("example.com.", "not-an-ip")
	require.Equal(t, dns.RcodeServerFailure, rcode)
	require.Nil(t, answers)
}
