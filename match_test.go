package kixdns

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalMatchChainShortCircuitsAnd(t *testing.T) {
	calls := 0

	items := []struct {
		op  MatchOperator
		val bool
	}{
		{OpAnd, false},
		{OpAnd, true}, // must be skipped: acc already false
	}
	got := EvalMatchChain(items,
		func(i struct {
			op  MatchOperator
			val bool
		}) MatchOperator {
			return i.op
		},
		func(i struct {
			op  MatchOperator
			val bool
		}) bool {
			calls++
			return i.val
		},
	)
	require.False(t, got)
	require.Equal(t, 1, calls, "second predicate must not be evaluated once AND short-circuits")
}

func TestEvalMatchChainEmptyIsTrue(t *testing.T) {
	got := EvalMatchChain([]int{}, func(int) MatchOperator { return OpAnd }, func(int) bool { return false })
	require.True(t, got)
}

func TestEvalMatchChainOperators(t *testing.T) {
	type item struct {
		op  MatchOperator
		val bool
	}
	opOf := func(i item) MatchOperator { return i.op }
	predOf := func(i item) bool { return i.val }

	// true AND false == false
	require.False(t, EvalMatchChain([]item{{OpAnd, true}, {OpAnd, false}}, opOf, predOf))
	// false OR true == true
	require.True(t, EvalMatchChain([]item{{OpAnd, false}, {OpOr, true}}, opOf, predOf))
	// true AND-NOT true == false
	require.False(t, EvalMatchChain([]item{{OpAnd, true}, {OpAndNot, true}}, opOf, predOf))
	// false OR-NOT false == true
	require.True(t, EvalMatchChain([]item{{OpAnd, false}, {OpOrNot, false}}, opOf, predOf))
}

func TestNormalizeChainOperatorsLegacyOverride(t *testing.T) {
	ops := []MatchOperator{OpAnd, OpAnd, OpAnd}
	got := normalizeChainOperators(ops, OpOr)
	require.Equal(t, []MatchOperator{OpOr, OpOr, OpOr}, got)
}

func TestNormalizeChainOperatorsLeavesMixedChainAlone(t *testing.T) {
	ops := []MatchOperator{OpAnd, OpOr, OpAnd}
	got := normalizeChainOperators(ops, OpAndNot)
	require.Equal(t, ops, got)
}

func TestDomainSuffixMatch(t *testing.T) {
	require.True(t, domainSuffixMatch("www.example.com.", "example.com."))
	require.True(t, domainSuffixMatch("example.com.", "example.com."))
	require.False(t, domainSuffixMatch("notexample.com.", "example.com."))
	require.True(t, domainSuffixMatch("anything.", ""))
}

func TestClientIPMatcher(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	m := ClientIPMatcher{Net: ipnet}
	require.True(t, m.Match(MatchContext{ClientIP: net.ParseIP("10.1.2.3")}))
	require.False(t, m.Match(MatchContext{ClientIP: net.ParseIP("192.168.1.1")}))
}

func TestResponseEdnsPresentMatcherFallsBackWithoutFullDecode(t *testing.T) {
	m := ResponseEdnsPresentMatcher{Expect: false}
	require.True(t, m.Match(ResponseMatchContext{Response: nil}))

	m2 := ResponseEdnsPresentMatcher{Expect: true}
	require.False(t, m2.Match(ResponseMatchContext{Response: nil}))
}
