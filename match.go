package kixdns

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// MatchOperator is the per-item boolean combinator used by the chain
// evaluator (§4.2 of the design): AND/OR/AND-NOT/OR-NOT.
type MatchOperator int

const (
	OpAnd MatchOperator = iota
	OpOr
	OpAndNot
	OpOrNot
)

func (op MatchOperator) String() string {
	switch op {
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpAndNot:
		return "and_not"
	case OpOrNot:
		return "or_not"
	default:
		return "unknown"
	}
}

// UnmarshalJSON accepts the canonical names plus the documented aliases
// (and_not|and-not|andnot|not, or_not|or-not|ornot). Unset/empty decodes to
// the default, And.
func (op *MatchOperator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "", "and":
		*op = OpAnd
	case "or":
		*op = OpOr
	case "and_not", "and-not", "andnot", "not":
		*op = OpAndNot
	case "or_not", "or-not", "ornot":
		*op = OpOrNot
	default:
		return fmt.Errorf("unknown match operator %q", s)
	}
	return nil
}

// EvalMatchChain evaluates a left-to-right chain of (operator, predicate)
// pairs with required short-circuiting: the first item's operator is
// ignored, and later predicates are skipped entirely once they cannot
// change the outcome (so expensive predicates like regexes aren't run
// needlessly). An empty chain evaluates to true.
func EvalMatchChain[T any](items []T, opOf func(T) MatchOperator, pred func(T) bool) bool {
	if len(items) == 0 {
		return true
	}
	acc := pred(items[0])
	for _, item := range items[1:] {
		switch opOf(item) {
		case OpAnd:
			if !acc {
				continue
			}
			acc = acc && pred(item)
		case OpOr:
			if acc {
				continue
			}
			acc = acc || pred(item)
		case OpAndNot:
			if !acc {
				continue
			}
			acc = acc && !pred(item)
		case OpOrNot:
			if acc {
				continue
			}
			acc = acc || !pred(item)
		}
	}
	return acc
}

// normalizeChainOperators implements the legacy matcher_operator override:
// when every per-item operator in the chain is the default And but the
// rule-level operator is something else, every item adopts the rule-level
// operator. Mixed chains (any per-item operator already non-default) are
// left untouched — per-item operators win.
func normalizeChainOperators(operators []MatchOperator, legacy MatchOperator) []MatchOperator {
	if legacy == OpAnd {
		return operators
	}
	allDefault := true
	for _, op := range operators {
		if op != OpAnd {
			allDefault = false
			break
		}
	}
	if !allDefault {
		return operators
	}
	out := make([]MatchOperator, len(operators))
	for i := range out {
		out[i] = legacy
	}
	return out
}

// MatchContext is the evaluation context for request matchers and pipeline
// selector matchers.
type MatchContext struct {
	ListenerLabel string
	ClientIP      net.IP
	QName         string // lowercased
	QType         uint16
	QClass        uint16
	EdnsPresent   bool
}

// RequestMatcher evaluates a single request-phase (or pipeline-selector)
// predicate against a MatchContext.
type RequestMatcher interface {
	Match(ctx MatchContext) bool
}

type AnyMatcher struct{}

func (AnyMatcher) Match(MatchContext) bool { return true }

// DomainSuffixMatcher matches when ctx.QName ends in Value at a label
// boundary (the lowercased suffix carries no leading dot). A trailing dot on
// either side is ignored. An empty Value matches any name.
type DomainSuffixMatcher struct{ Value string }

func (m DomainSuffixMatcher) Match(ctx MatchContext) bool {
	return domainSuffixMatch(ctx.QName, m.Value)
}

func domainSuffixMatch(qname, suffix string) bool {
	qname = strings.TrimSuffix(qname, ".")
	suffix = strings.TrimSuffix(suffix, ".")
	if suffix == "" {
		return true
	}
	if qname == suffix {
		return true
	}
	return strings.HasSuffix(qname, "."+suffix)
}

type DomainRegexMatcher struct{ Regex *regexp.Regexp }

func (m DomainRegexMatcher) Match(ctx MatchContext) bool { return m.Regex.MatchString(ctx.QName) }

type ClientIPMatcher struct{ Net *net.IPNet }

func (m ClientIPMatcher) Match(ctx MatchContext) bool { return m.Net.Contains(ctx.ClientIP) }

type QclassMatcher struct{ Value uint16 }

func (m QclassMatcher) Match(ctx MatchContext) bool { return ctx.QClass == m.Value }

type EdnsPresentMatcher struct{ Expect bool }

func (m EdnsPresentMatcher) Match(ctx MatchContext) bool { return ctx.EdnsPresent == m.Expect }

type ListenerLabelMatcher struct{ Value string }

func (m ListenerLabelMatcher) Match(ctx MatchContext) bool { return ctx.ListenerLabel == m.Value }

// RequestMatcherWithOp pairs a matcher with the operator joining it to the
// previous element in the chain.
type RequestMatcherWithOp struct {
	Operator MatchOperator
	Matcher  RequestMatcher
}

// MatchRequestChain evaluates an ordered request-matcher chain.
func MatchRequestChain(chain []RequestMatcherWithOp, ctx MatchContext) bool {
	return EvalMatchChain(chain,
		func(m RequestMatcherWithOp) MatchOperator { return m.Operator },
		func(m RequestMatcherWithOp) bool { return m.Matcher.Match(ctx) },
	)
}

// ParseDNSClass parses IN/CH|CHAOS/HS case-insensitively.
func ParseDNSClass(s string) (uint16, error) {
	switch strings.ToUpper(s) {
	case "IN":
		return dns.ClassINET, nil
	case "CH", "CHAOS":
		return dns.ClassCHAOS, nil
	case "HS":
		return dns.ClassHESIOD, nil
	default:
		return 0, fmt.Errorf("unknown dns class %q", s)
	}
}

// --- Response matching ---------------------------------------------------

// ResponseMatchContext is the evaluation context for response-phase
// matchers, built from the request plus the (possibly just quick-parsed)
// upstream response.
type ResponseMatchContext struct {
	RequestQName string
	Upstream     string
	Response     *dns.Msg // nil if only quick-parsed
	QuickRcode   uint8    // valid when Response == nil
	RequestQType uint16
}

// ResponseMatcher evaluates a single response-phase predicate.
type ResponseMatcher interface {
	Match(ctx ResponseMatchContext) bool
}

type UpstreamEqualsMatcher struct{ Value string }

func (m UpstreamEqualsMatcher) Match(ctx ResponseMatchContext) bool { return ctx.Upstream == m.Value }

type RequestDomainSuffixMatcher struct{ Value string }

func (m RequestDomainSuffixMatcher) Match(ctx ResponseMatchContext) bool {
	return domainSuffixMatch(ctx.RequestQName, m.Value)
}

type RequestDomainRegexMatcher struct{ Regex *regexp.Regexp }

func (m RequestDomainRegexMatcher) Match(ctx ResponseMatchContext) bool {
	return m.Regex.MatchString(ctx.RequestQName)
}

// ResponseUpstreamIPMatcher matches when the upstream's address (host part
// of ctx.Upstream) falls in one of Nets.
type ResponseUpstreamIPMatcher struct{ Nets []*net.IPNet }

func (m ResponseUpstreamIPMatcher) Match(ctx ResponseMatchContext) bool {
	ip := upstreamHostIP(ctx.Upstream)
	if ip == nil {
		return false
	}
	for _, n := range m.Nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func upstreamHostIP(upstream string) net.IP {
	host, _, err := net.SplitHostPort(upstream)
	if err != nil {
		host = upstream
	}
	return net.ParseIP(host)
}

// ResponseAnswerIPMatcher scans the Answer section, then Additional, for
// any A/AAAA record whose address falls in one of Nets. Requires a full
// decode (Response != nil).
type ResponseAnswerIPMatcher struct{ Nets []*net.IPNet }

func (m ResponseAnswerIPMatcher) Match(ctx ResponseMatchContext) bool {
	if ctx.Response == nil {
		return false
	}
	for _, section := range [][]dns.RR{ctx.Response.Answer, ctx.Response.Extra} {
		for _, rr := range section {
			var ip net.IP
			switch rec := rr.(type) {
			case *dns.A:
				ip = rec.A
			case *dns.AAAA:
				ip = rec.AAAA
			default:
				continue
			}
			for _, n := range m.Nets {
				if n.Contains(ip) {
					return true
				}
			}
		}
	}
	return false
}

// ResponseTypeMatcher compares the first answer's record type, falling
// back to the request's QTYPE if there are no answers.
type ResponseTypeMatcher struct{ Value uint16 }

func (m ResponseTypeMatcher) Match(ctx ResponseMatchContext) bool {
	if ctx.Response != nil && len(ctx.Response.Answer) > 0 {
		return ctx.Response.Answer[0].Header().Rrtype == m.Value
	}
	return ctx.RequestQType == m.Value
}

// ResponseRcodeMatcher compares against a parsed RCODE (NOERROR, NXDOMAIN,
// SERVFAIL, ...). Works from either the quick-parsed or the fully decoded
// response.
type ResponseRcodeMatcher struct{ Value int }

func (m ResponseRcodeMatcher) Match(ctx ResponseMatchContext) bool {
	if ctx.Response != nil {
		return ctx.Response.Rcode == m.Value
	}
	return int(ctx.QuickRcode) == m.Value
}

type ResponseQclassMatcher struct{ Value uint16 }

func (m ResponseQclassMatcher) Match(ctx ResponseMatchContext) bool {
	if ctx.Response == nil || len(ctx.Response.Question) == 0 {
		return false
	}
	return ctx.Response.Question[0].Qclass == m.Value
}

type ResponseEdnsPresentMatcher struct{ Expect bool }

func (m ResponseEdnsPresentMatcher) Match(ctx ResponseMatchContext) bool {
	if ctx.Response == nil {
		return !m.Expect
	}
	return (ctx.Response.IsEdns0() != nil) == m.Expect
}

// ResponseMatcherWithOp pairs a response matcher with its chain operator.
type ResponseMatcherWithOp struct {
	Operator MatchOperator
	Matcher  ResponseMatcher
}

// MatchResponseChain evaluates an ordered response-matcher chain.
func MatchResponseChain(chain []ResponseMatcherWithOp, ctx ResponseMatchContext) bool {
	return EvalMatchChain(chain,
		func(m ResponseMatcherWithOp) MatchOperator { return m.Operator },
		func(m ResponseMatcherWithOp) bool { return m.Matcher.Match(ctx) },
	)
}

// ParseRcodeName parses an uppercase RCODE mnemonic into its numeric value.
func ParseRcodeName(s string) (int, bool) {
	switch strings.ToUpper(s) {
	case "NOERROR":
		return dns.RcodeSuccess, true
	case "FORMERR":
		return dns.RcodeFormatError, true
	case "SERVFAIL":
		return dns.RcodeServerFailure, true
	case "NXDOMAIN":
		return dns.RcodeNameError, true
	case "NOTIMP":
		return dns.RcodeNotImplemented, true
	case "REFUSED":
		return dns.RcodeRefused, true
	default:
		return 0, false
	}
}
