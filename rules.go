package kixdns

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/heimdalr/dag"
	"github.com/miekg/dns"
)

// ActionKind discriminates the Action tagged union (§3).
type ActionKind int

const (
	ActionLog ActionKind = iota
	ActionStaticResponse
	ActionStaticIPResponse
	ActionJumpToPipeline
	ActionAllow
	ActionDeny
	ActionForward
	ActionContinue
)

// Action is a single request- or response-phase effect.
type Action struct {
	Kind      ActionKind
	Level     string // Log
	Rcode     int    // StaticResponse
	IP        string // StaticIpResponse
	Pipeline  string // JumpToPipeline
	Upstream  string // Forward (optional override)
	Transport string // Forward: "udp" or "tcp" (optional override)
}

// PrecomputedAction is produced for rules whose first action alone
// determines a terminal Static decision, letting the sync fast-path
// (Engine.Fast) skip decision construction entirely (§4.3).
type PrecomputedAction struct {
	IsIP  bool
	Rcode int
	IP    string
}

// Rule is a compiled rule: matchers are already concrete RequestMatcher
// values (CIDRs parsed, regexes compiled), ready to evaluate.
type Rule struct {
	Name                   string
	Matchers               []RequestMatcherWithOp
	Actions                []Action
	ResponseMatchers       []ResponseMatcherWithOp
	ResponseActionsOnMatch []Action
	ResponseActionsOnMiss  []Action
	ContinueOnMatch        bool // computed: ResponseActionsOnMatch contains Continue
	ContinueOnMiss         bool // computed: ResponseActionsOnMiss contains Continue
	Precomputed            *PrecomputedAction
}

// PipelineSelectRule is a compiled pipeline_select entry.
type PipelineSelectRule struct {
	Pipeline string
	Matchers []RequestMatcherWithOp
}

// RuleIndex maps classification buckets to candidate rule indices within a
// pipeline (§4.3). DomainExact and QueryType are carried for fidelity with
// the design's documented invariants (§8); the matcher variant set
// currently fed by Compile never actually produces a matcher that lands in
// those two buckets (see DESIGN.md), so in practice only DomainSuffix and
// AlwaysCheck are populated — mirroring the original Rust implementation's
// dead_code-marked equivalents.
type RuleIndex struct {
	DomainExact  map[string][]int
	DomainSuffix map[string][]int
	QueryType    map[uint16][]int
	AlwaysCheck  []int
}

func newRuleIndex() *RuleIndex {
	return &RuleIndex{
		DomainExact:  map[string][]int{},
		DomainSuffix: map[string][]int{},
		QueryType:    map[uint16][]int{},
	}
}

// addRule classifies one rule into the index. A rule is indexable when its
// matcher chain is a pure AND sequence (every operator but the first is
// And) and it contains at least one DomainSuffix matcher, the only primitive
// the index currently buckets on; the first such matcher wins and the rule
// is bucketed there. Everything else goes to AlwaysCheck.
func (idx *RuleIndex) addRule(ruleIdx int, rule *Rule) {
	andChain := true
	for _, m := range rule.Matchers[min(1, len(rule.Matchers)):] {
		if m.Operator != OpAnd {
			andChain = false
			break
		}
	}
	if !andChain {
		idx.AlwaysCheck = append(idx.AlwaysCheck, ruleIdx)
		return
	}

	for _, m := range rule.Matchers {
		switch mm := m.Matcher.(type) {
		case DomainSuffixMatcher:
			idx.DomainSuffix[mm.Value] = append(idx.DomainSuffix[mm.Value], ruleIdx)
			return
		case QclassMatcher:
			// Qclass alone isn't one of the index's bucket kinds (§4.3
			// only names exact/suffix/qtype); fall through to the next
			// matcher in the chain rather than indexing on it.
			continue
		default:
			continue
		}
	}
	idx.AlwaysCheck = append(idx.AlwaysCheck, ruleIdx)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// GetCandidates returns the sorted, deduplicated candidate rule indices for
// a query: always_check ∪ exact[qname] ∪ every suffix bucket at or above
// qname's label boundaries ∪ qtype[qtype] (§4.3, §8). A trailing dot on
// qname is ignored for the suffix search.
func (idx *RuleIndex) GetCandidates(qname string, qtype uint16) []int {
	candidates := append([]int{}, idx.AlwaysCheck...)

	if v, ok := idx.DomainExact[qname]; ok {
		candidates = append(candidates, v...)
	}

	search := strings.TrimSuffix(qname, ".")
	for {
		if v, ok := idx.DomainSuffix[search]; ok {
			candidates = append(candidates, v...)
		}
		i := strings.IndexByte(search, '.')
		if i < 0 {
			break
		}
		search = search[i+1:]
	}
	// The empty-suffix bucket (a domain_suffix rule with an empty value)
	// matches everything; check it separately since the loop above stops
	// once no dot remains, before reaching the "" key.
	if v, ok := idx.DomainSuffix[""]; ok {
		candidates = append(candidates, v...)
	}

	if v, ok := idx.QueryType[qtype]; ok {
		candidates = append(candidates, v...)
	}

	sort.Ints(candidates)
	out := candidates[:0]
	var last = -1
	for _, c := range candidates {
		if c != last {
			out = append(out, c)
			last = c
		}
	}
	return out
}

// Pipeline is a compiled, ordered rule list with its index.
type Pipeline struct {
	ID    string
	Rules []Rule
	Index *RuleIndex
}

// CompiledConfig is the fully compiled, immutable config snapshot the
// engine runs against. It is published behind an atomic.Pointer by the
// watcher (watcher.go) on every successful (re)load.
type CompiledConfig struct {
	Version        string
	Settings       Settings
	PipelineSelect []PipelineSelectRule
	Pipelines      []Pipeline
	pipelineByID   map[string]int
}

// Compile converts a raw, JSON-decoded Config into a CompiledConfig: it
// builds runtime matchers (CIDRs parsed, regexes compiled), applies the
// legacy matcher_operator override, builds each pipeline's RuleIndex,
// precomputes static fast-path actions, and validates pipeline_select /
// jump_to_pipeline references against the set of declared pipeline ids so
// dangling references are rejected at load time rather than surfacing as a
// runtime NoSuchPipeline. Cycles between pipelines are accepted (see
// validatePipelineGraph).
func Compile(cfg *Config) (*CompiledConfig, error) {
	out := &CompiledConfig{
		Version:      cfg.Version,
		Settings:     cfg.Settings,
		pipelineByID: map[string]int{},
	}

	for i, p := range cfg.Pipelines {
		if _, dup := out.pipelineByID[p.ID]; dup {
			return nil, &ConfigInvalid{Reason: fmt.Sprintf("duplicate pipeline id %q", p.ID)}
		}
		out.pipelineByID[p.ID] = i
	}

	for _, p := range cfg.Pipelines {
		cp, err := compilePipeline(p)
		if err != nil {
			return nil, &ConfigInvalid{Reason: fmt.Sprintf("pipeline %q: %s", p.ID, err)}
		}
		out.Pipelines = append(out.Pipelines, cp)
	}

	for _, sel := range cfg.PipelineSelect {
		matchers, err := compileRequestMatchers(sel.Matchers)
		if err != nil {
			return nil, &ConfigInvalid{Reason: fmt.Sprintf("pipeline_select -> %q: %s", sel.Pipeline, err)}
		}
		matchers = normalizeRequestOperators(matchers, sel.MatchOp)
		out.PipelineSelect = append(out.PipelineSelect, PipelineSelectRule{
			Pipeline: sel.Pipeline,
			Matchers: matchers,
		})
	}

	if err := validatePipelineGraph(out); err != nil {
		return nil, err
	}
	return out, nil
}

// PipelineByID looks up a compiled pipeline by id.
func (c *CompiledConfig) PipelineByID(id string) (*Pipeline, bool) {
	i, ok := c.pipelineByID[id]
	if !ok {
		return nil, false
	}
	return &c.Pipelines[i], true
}

// DefaultPipeline returns the pipeline named "default", or the first
// declared pipeline if none has that id, matching §4.4's pipeline-selection
// fallback.
func (c *CompiledConfig) DefaultPipeline() (*Pipeline, bool) {
	if p, ok := c.PipelineByID("default"); ok {
		return p, true
	}
	if len(c.Pipelines) > 0 {
		return &c.Pipelines[0], true
	}
	return nil, false
}

func compilePipeline(p pipelineJSON) (Pipeline, error) {
	idx := newRuleIndex()
	cp := Pipeline{ID: p.ID}
	for i, r := range p.Rules {
		rule, err := compileRule(r)
		if err != nil {
			return Pipeline{}, fmt.Errorf("rule[%d] %q: %w", i, r.Name, err)
		}
		idx.addRule(i, &rule)
		cp.Rules = append(cp.Rules, rule)
	}
	cp.Index = idx
	return cp, nil
}

func compileRule(r ruleJSON) (Rule, error) {
	matchers, err := compileRequestMatchers(r.Matchers)
	if err != nil {
		return Rule{}, fmt.Errorf("matchers: %w", err)
	}
	matchers = normalizeRequestOperators(matchers, r.MatchOp)

	actions, err := compileActions(r.Actions)
	if err != nil {
		return Rule{}, fmt.Errorf("actions: %w", err)
	}

	respMatchers, err := compileResponseMatchers(r.ResponseMatchers)
	if err != nil {
		return Rule{}, fmt.Errorf("response_matchers: %w", err)
	}
	respMatchers = normalizeResponseOperators(respMatchers, r.ResponseMatchOp)

	onMatch, err := compileActions(r.ResponseActionsOnMatch)
	if err != nil {
		return Rule{}, fmt.Errorf("response_actions_on_match: %w", err)
	}
	onMiss, err := compileActions(r.ResponseActionsOnMiss)
	if err != nil {
		return Rule{}, fmt.Errorf("response_actions_on_miss: %w", err)
	}

	rule := Rule{
		Name:                   r.Name,
		Matchers:               matchers,
		Actions:                actions,
		ResponseMatchers:       respMatchers,
		ResponseActionsOnMatch: onMatch,
		ResponseActionsOnMiss:  onMiss,
		ContinueOnMatch:        containsContinue(onMatch),
		ContinueOnMiss:         containsContinue(onMiss),
	}
	rule.Precomputed = precomputeAction(rule.Actions)
	return rule, nil
}

func containsContinue(actions []Action) bool {
	for _, a := range actions {
		if a.Kind == ActionContinue {
			return true
		}
	}
	return false
}

// precomputeAction mirrors advanced_rule.rs's precompute_action: only the
// rule's first action is ever considered.
func precomputeAction(actions []Action) *PrecomputedAction {
	if len(actions) == 0 {
		return nil
	}
	switch actions[0].Kind {
	case ActionStaticResponse:
		return &PrecomputedAction{Rcode: actions[0].Rcode}
	case ActionStaticIPResponse:
		return &PrecomputedAction{IsIP: true, IP: actions[0].IP}
	case ActionDeny:
		return &PrecomputedAction{Rcode: dns.RcodeRefused}
	default:
		return nil
	}
}

func compileRequestMatchers(specs []matcherJSON) ([]RequestMatcherWithOp, error) {
	out := make([]RequestMatcherWithOp, 0, len(specs))
	for i, s := range specs {
		m, err := s.toRequestMatcher()
		if err != nil {
			return nil, fmt.Errorf("matcher[%d]: %w", i, err)
		}
		out = append(out, RequestMatcherWithOp{Operator: s.Operator, Matcher: m})
	}
	return out, nil
}

func compileResponseMatchers(specs []responseMatcherJSON) ([]ResponseMatcherWithOp, error) {
	out := make([]ResponseMatcherWithOp, 0, len(specs))
	for i, s := range specs {
		m, err := s.toResponseMatcher()
		if err != nil {
			return nil, fmt.Errorf("response_matcher[%d]: %w", i, err)
		}
		out = append(out, ResponseMatcherWithOp{Operator: s.Operator, Matcher: m})
	}
	return out, nil
}

func compileActions(specs []actionJSON) ([]Action, error) {
	out := make([]Action, 0, len(specs))
	for i, s := range specs {
		a, err := s.toAction()
		if err != nil {
			return nil, fmt.Errorf("action[%d]: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func normalizeRequestOperators(chain []RequestMatcherWithOp, legacy MatchOperator) []RequestMatcherWithOp {
	ops := make([]MatchOperator, len(chain))
	for i, m := range chain {
		ops[i] = m.Operator
	}
	ops = normalizeChainOperators(ops, legacy)
	for i := range chain {
		chain[i].Operator = ops[i]
	}
	return chain
}

func normalizeResponseOperators(chain []ResponseMatcherWithOp, legacy MatchOperator) []ResponseMatcherWithOp {
	ops := make([]MatchOperator, len(chain))
	for i, m := range chain {
		ops[i] = m.Operator
	}
	ops = normalizeChainOperators(ops, legacy)
	for i := range chain {
		chain[i].Operator = ops[i]
	}
	return chain
}

// FastStaticMatch walks a pipeline's candidate rules in order and returns a
// terminal Decision when the first matching rule that does not fall through
// (its action list is non-empty and does not start with Continue) has a
// precomputed static action, without constructing a full Decision via the
// request-phase action walker. When that rule has no precomputed action it
// reports no match, leaving the request to the full path. Used by
// Engine.Fast (§4.4's sync fast-path).
func FastStaticMatch(p *Pipeline, ctx MatchContext) (Decision, bool) {
	candidates := p.Index.GetCandidates(ctx.QName, ctx.QType)
	for _, idx := range candidates {
		rule := &p.Rules[idx]
		if !MatchRequestChain(rule.Matchers, ctx) {
			continue
		}
		if rule.Precomputed == nil {
			if len(rule.Actions) == 0 || rule.Actions[0].Kind == ActionContinue {
				continue
			}
			return Decision{}, false
		}
		if rule.Precomputed.IsIP {
			rcode, answers := makeStaticIPAnswer(ctx.QName, rule.Precomputed.IP)
			return Decision{Kind: DecisionStatic, Rcode: rcode, Answers: answers}, true
		}
		return Decision{Kind: DecisionStatic, Rcode: rule.Precomputed.Rcode}, true
	}
	return Decision{}, false
}

// validatePipelineGraph rejects configs whose jump_to_pipeline targets (in
// request or response actions) or pipeline_select targets don't resolve to
// a declared pipeline id. The jump edges are recorded in a DAG; repeated
// edges and cycles between pipelines are legal — jump budgets bound them at
// runtime, see engine.go.
func validatePipelineGraph(c *CompiledConfig) error {
	d := dag.NewDAG()
	for _, p := range c.Pipelines {
		if err := d.AddVertexByID(p.ID, p.ID); err != nil {
			return &ConfigInvalid{Reason: fmt.Sprintf("pipeline graph: %s", err)}
		}
	}
	addEdge := func(from, to string) error {
		if _, ok := c.pipelineByID[to]; !ok {
			return &ConfigInvalid{Reason: fmt.Sprintf("jump target %q does not exist", to)}
		}
		if from == to {
			return nil // self-jump is fine; the runtime jump budget bounds it
		}
		if err := d.AddEdge(from, to); err != nil && !strings.Contains(err.Error(), "would create a loop") && !strings.Contains(err.Error(), "already known") {
			return &ConfigInvalid{Reason: err.Error()}
		}
		return nil
	}
	for _, p := range c.Pipelines {
		for _, r := range p.Rules {
			for _, a := range r.Actions {
				if a.Kind == ActionJumpToPipeline {
					if err := addEdge(p.ID, a.Pipeline); err != nil {
						return err
					}
				}
			}
			for _, a := range append(append([]Action{}, r.ResponseActionsOnMatch...), r.ResponseActionsOnMiss...) {
				if a.Kind == ActionJumpToPipeline {
					if err := addEdge(p.ID, a.Pipeline); err != nil {
						return err
					}
				}
			}
		}
	}
	for _, sel := range c.PipelineSelect {
		if _, ok := c.pipelineByID[sel.Pipeline]; !ok {
			return &ConfigInvalid{Reason: fmt.Sprintf("pipeline_select target %q does not exist", sel.Pipeline)}
		}
	}
	return nil
}

// makeStaticIPAnswer synthesizes an A (IPv4) or AAAA (IPv6) answer with a
// 300s TTL for StaticIpResponse. An unparseable IP yields (ServFail, nil)
// per §4.4/§8.
func makeStaticIPAnswer(qname, ipStr string) (int, []dns.RR) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return dns.RcodeServerFailure, nil
	}
	hdr := dns.RR_Header{Name: qname, Class: dns.ClassINET, Ttl: 300}
	if v4 := ip.To4(); v4 != nil {
		hdr.Rrtype = dns.TypeA
		return dns.RcodeSuccess, []dns.RR{&dns.A{Hdr: hdr, A: v4}}
	}
	hdr.Rrtype = dns.TypeAAAA
	return dns.RcodeSuccess, []dns.RR{&dns.AAAA{Hdr: hdr, AAAA: ip}}
}
