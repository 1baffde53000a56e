package kixdns

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
)

// DecisionKind discriminates the Decision tagged union (§4.4).
type DecisionKind int

const (
	DecisionStatic DecisionKind = iota
	DecisionForward
	DecisionJump
)

// Decision is the terminal (or jump-intermediate) outcome of walking a
// pipeline's rules against a request.
type Decision struct {
	Kind      DecisionKind
	Rcode     int
	Answers   []dns.RR
	Upstream  string
	Transport string
	Pipeline  string // DecisionJump target

	// Rule is the rule whose Forward action produced this decision, carrying
	// the response-phase chain (ResponseMatchers/ResponseActionsOnMatch/
	// ResponseActionsOnMiss/ContinueOnMatch/ContinueOnMiss) that the forward
	// must be evaluated against (§4.4). Nil for the no-candidate-matched
	// default forward and for Allow, neither of which carries a response
	// chain (§4.4: "Allow: ... no response matchers/actions").
	Rule *Rule

	// AllowReuse marks a Forward produced by a terminal Allow action (§4.4).
	AllowReuse bool
}

// Forwarder sends a raw wire-format query to an upstream and returns the raw
// wire-format response. Implemented by UDPTransport and TCPTransport
// (transport_udp.go, transport_tcp.go).
type Forwarder interface {
	Forward(ctx context.Context, upstream string, packet []byte, timeout time.Duration) ([]byte, error)
}

// Engine is the decision engine: it owns the hot-swappable compiled config,
// both cache tiers, the dedup layer, and the upstream forwarders, and
// exposes the two entry points listeners call (§6): Fast for the
// synchronous precomputed-static path, Handle for everything else.
type Engine struct {
	config atomic.Pointer[CompiledConfig]

	RuleCache     *RuleCache
	ResponseCache *ResponseCache
	Dedup         *RequestDedup

	UDP Forwarder
	TCP Forwarder

	Metrics *EngineMetrics
}

// NewEngine builds an Engine around an already-compiled config and the
// given transports. udp/tcp may be nil in tests that only exercise the
// static/cache paths.
func NewEngine(id string, cfg *CompiledConfig, udp, tcp Forwarder) *Engine {
	e := &Engine{
		RuleCache:     NewRuleCache(4096),
		ResponseCache: NewResponseCache(4096),
		Dedup:         NewRequestDedup(),
		UDP:           udp,
		TCP:           tcp,
		Metrics:       NewEngineMetrics(id),
	}
	e.config.Store(cfg)
	return e
}

// Swap atomically replaces the compiled config in use, the publication step
// the watcher calls after a successful (re)load.
func (e *Engine) Swap(cfg *CompiledConfig) { e.config.Store(cfg) }

func (e *Engine) Config() *CompiledConfig { return e.config.Load() }

// SelectPipeline applies pipeline_select in order, falling back to the
// "default" pipeline (or the first declared pipeline) per §4.4.
func (e *Engine) SelectPipeline(cfg *CompiledConfig, ctx MatchContext) (*Pipeline, bool) {
	for _, sel := range cfg.PipelineSelect {
		if MatchRequestChain(sel.Matchers, ctx) {
			if p, ok := cfg.PipelineByID(sel.Pipeline); ok {
				return p, true
			}
		}
	}
	return cfg.DefaultPipeline()
}

// Fast is the synchronous fast path (§4.3/§6 engine.fast): it quick-parses
// the request, checks the L1 rule cache, and otherwise only ever returns a
// handled result when a rule's *first* action is a precomputed static
// response. Anything else (forwarding, jumps, cache misses needing a
// response to populate) falls through to Handle. It never blocks on I/O.
func (e *Engine) Fast(packet []byte, client ClientInfo) (resp []byte, handled bool, err error) {
	cfg := e.config.Load()
	if cfg == nil {
		return nil, false, &NoSuchPipeline{ID: ""}
	}

	var buf [256]byte
	q, ok := ParseQuickRequest(packet, buf[:])
	if !ok {
		return nil, false, &ParseFailure{Reason: "quick request parse failed"}
	}

	ctx := MatchContext{
		ListenerLabel: client.Listener,
		ClientIP:      client.SourceIP,
		QName:         q.QName,
		QType:         q.QType,
		QClass:        q.QClass,
	}

	pipeline, ok := e.SelectPipeline(cfg, ctx)
	if !ok {
		return nil, false, &NoSuchPipeline{ID: ""}
	}

	if dec, ok := e.RuleCache.Get(pipeline.ID, q.QName, client.SourceIP); ok {
		if dec.Kind == DecisionStatic {
			e.Metrics.CacheHitL1.Add(1)
			return buildStaticResponse(q.TxID, q.QName, q.QType, q.QClass, dec), true, nil
		}
		return nil, false, nil
	}
	e.Metrics.CacheMissL1.Add(1)

	dec, matched := FastStaticMatch(pipeline, ctx)
	if !matched {
		return nil, false, nil
	}
	e.RuleCache.Put(pipeline.ID, q.QName, client.SourceIP, dec, ruleCacheTTL(cfg.Settings.MinTTL))
	return buildStaticResponse(q.TxID, q.QName, q.QType, q.QClass, dec), true, nil
}

func buildStaticResponse(txID uint16, qname string, qtype, qclass uint16, dec Decision) []byte {
	msg := new(dns.Msg)
	msg.Id = txID
	msg.Response = true
	msg.RecursionAvailable = true
	msg.Rcode = dec.Rcode
	msg.Question = []dns.Question{{Name: dns.Fqdn(qname), Qtype: qtype, Qclass: qclass}}
	msg.Answer = dec.Answers
	out, err := msg.Pack()
	if err != nil {
		Log.Warn("failed to pack static response", "error", err)
		return nil
	}
	return out
}

// Handle is the full path (§6 engine.handle): full decode, request-phase
// rule walk with jump following (budgeted by response_jump_limit), upstream
// forward with single-flight coalescing and L2 caching, and response-phase
// rule walk with its own forward-chain cap.
func (e *Engine) Handle(ctx context.Context, packet []byte, client ClientInfo) ([]byte, error) {
	cfg := e.config.Load()
	if cfg == nil {
		return nil, &NoSuchPipeline{ID: ""}
	}

	req := new(dns.Msg)
	if err := req.Unpack(packet); err != nil {
		return nil, &ParseFailure{Reason: err.Error()}
	}
	if len(req.Question) == 0 {
		return nil, &ParseFailure{Reason: "no question section"}
	}
	q0 := req.Question[0]
	qname := dns.CanonicalName(q0.Name)

	mctx := MatchContext{
		ListenerLabel: client.Listener,
		ClientIP:      client.SourceIP,
		QName:         qname,
		QType:         q0.Qtype,
		QClass:        q0.Qclass,
		EdnsPresent:   req.IsEdns0() != nil,
	}

	pipeline, ok := e.SelectPipeline(cfg, mctx)
	if !ok {
		return nil, &NoSuchPipeline{ID: ""}
	}

	dedupKey := responseCacheFingerprint(pipeline.ID, qname, q0.Qtype)
	waiter, isLeader := e.Dedup.Claim(dedupKey)
	if !isLeader {
		select {
		case res := <-waiter:
			if res.Err != nil {
				return e.handleLocked(ctx, cfg, pipeline, req, mctx, client)
			}
			out := make([]byte, len(res.Bytes))
			copy(out, res.Bytes)
			rewriteTxID(out, req.Id)
			return out, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out, err := e.handleLocked(ctx, cfg, pipeline, req, mctx, client)
	if err != nil {
		e.Dedup.Abandon(dedupKey, err)
		return nil, err
	}
	e.Dedup.Resolve(dedupKey, dedupResult{Bytes: out})
	return out, nil
}

func uuidOrBlank(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

// handleLocked probes the L1 rule cache (§2's documented control flow: "L1
// rule cache probe → (if miss) async Decision Engine"), otherwise runs the
// request-phase walk (with jump following), caches the resulting decision
// when it's eligible (see cacheableDecisionTTL), then resolves it: performs
// the forward when called for (consulting the L2 cache first) and runs the
// response-phase walk before returning wire bytes.
func (e *Engine) handleLocked(ctx context.Context, cfg *CompiledConfig, pipeline *Pipeline, req *dns.Msg, mctx MatchContext, client ClientInfo) ([]byte, error) {
	if dec, ok := e.RuleCache.Get(pipeline.ID, mctx.QName, client.SourceIP); ok {
		e.Metrics.CacheHitL1.Add(1)
		return e.resolveDecision(ctx, cfg, pipeline, req, mctx, dec)
	}
	e.Metrics.CacheMissL1.Add(1)

	dec, err := e.evalRequestPhase(cfg, pipeline, mctx)
	if err != nil {
		return nil, err
	}

	if ttl, ok := cacheableDecisionTTL(dec, cfg.Settings.MinTTL); ok {
		e.RuleCache.Put(pipeline.ID, mctx.QName, client.SourceIP, dec, ttl)
	}

	return e.resolveDecision(ctx, cfg, pipeline, req, mctx, dec)
}

// resolveDecision turns a (possibly cached) Decision into wire bytes.
func (e *Engine) resolveDecision(ctx context.Context, cfg *CompiledConfig, pipeline *Pipeline, req *dns.Msg, mctx MatchContext, dec Decision) ([]byte, error) {
	switch dec.Kind {
	case DecisionStatic:
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Rcode = dec.Rcode
		resp.Answer = dec.Answers
		return resp.Pack()

	case DecisionForward:
		return e.forwardAndRunResponsePhase(ctx, cfg, pipeline, req, mctx, dec)

	default:
		return nil, &BudgetExceeded{What: "request phase did not terminate"}
	}
}

// cacheableDecisionTTL reports whether dec may be written to the L1 rule
// cache, and for how long (§3's documented invariants): a Forward whose rule
// (Decision.Rule) carries a Log action or continue_on_match/miss is not
// L1-cached — the former because the side effect must re-fire on every
// request, the latter because its outcome depends on downstream response
// state the cache can't capture. Decisions with no attached rule (Static,
// Allow, and the default forward) are always cacheable, even when the rule
// that produced them ran a Log action.
func cacheableDecisionTTL(dec Decision, configuredMinTTL uint32) (time.Duration, bool) {
	if dec.Kind == DecisionForward && dec.Rule != nil {
		if dec.Rule.ContinueOnMatch || dec.Rule.ContinueOnMiss {
			return 0, false
		}
		if containsLogAction(dec.Rule.Actions) {
			return 0, false
		}
	}
	return ruleCacheTTL(configuredMinTTL), true
}

func containsLogAction(actions []Action) bool {
	for _, a := range actions {
		if a.Kind == ActionLog {
			return true
		}
	}
	return false
}

// ruleOutcome classifies what running one matched rule's action list
// produced, for evalRequestPhase's candidate walk.
type ruleOutcome int

const (
	// ruleOutcomeFallThrough means the rule hit Continue, or ran out of
	// actions without reaching a terminal one: move on to the next
	// candidate rule in the same pipeline (§4.4: "Continue: abandon this
	// rule; fall through to next candidate").
	ruleOutcomeFallThrough ruleOutcome = iota
	// ruleOutcomeTerminal means Decision is the final request-phase result.
	ruleOutcomeTerminal
	// ruleOutcomeJump means Decision.Pipeline names where to resume the
	// candidate walk from scratch.
	ruleOutcomeJump
)

// evalRequestPhase walks rule matchers in index-candidate order. On a
// match, it runs that rule's action list in order (§4.4) rather than only
// ever inspecting the first action: Log emits and advances to the next
// action in the same rule, Continue (or running out of actions) abandons
// the rule and moves to the next candidate, JumpToPipeline restarts the
// candidate walk against the target pipeline (budgeted by
// response_jump_limit), and Allow/Deny/StaticResponse/StaticIpResponse/
// Forward are terminal.
func (e *Engine) evalRequestPhase(cfg *CompiledConfig, pipeline *Pipeline, mctx MatchContext) (Decision, error) {
	jumpBudget := cfg.Settings.ResponseJumpLimit
	current := pipeline

pipelineLoop:
	for {
		candidates := current.Index.GetCandidates(mctx.QName, mctx.QType)
		for _, idx := range candidates {
			rule := &current.Rules[idx]
			if !MatchRequestChain(rule.Matchers, mctx) {
				continue
			}

			dec, outcome, err := e.runRequestActions(cfg, rule, mctx, &jumpBudget)
			if err != nil {
				return Decision{}, err
			}
			switch outcome {
			case ruleOutcomeTerminal:
				return dec, nil
			case ruleOutcomeJump:
				next, ok := cfg.PipelineByID(dec.Pipeline)
				if !ok {
					return Decision{}, &NoSuchPipeline{ID: dec.Pipeline}
				}
				current = next
				continue pipelineLoop
			case ruleOutcomeFallThrough:
				continue
			}
		}
		// No rule in this pipeline matched terminally: forward to the
		// configured default upstream (§4.4). No rule is attached, so the
		// forward carries no response-phase chain.
		return Decision{Kind: DecisionForward, Upstream: cfg.Settings.DefaultUpstream, Transport: "udp"}, nil
	}
}

// runRequestActions runs one matched rule's action list in order, starting
// from the first action, until it reaches a terminal/jump action, a
// Continue, or the end of the list.
func (e *Engine) runRequestActions(cfg *CompiledConfig, rule *Rule, mctx MatchContext, jumpBudget *int) (Decision, ruleOutcome, error) {
	for _, action := range rule.Actions {
		switch action.Kind {
		case ActionLog:
			Log.Debug("rule log action", "level", action.Level, "rule", rule.Name, "qname", mctx.QName)
			continue
		case ActionContinue:
			return Decision{}, ruleOutcomeFallThrough, nil
		case ActionAllow:
			// §4.4: Forward to default upstream, UDP, allow_reuse=true, no
			// response matchers/actions.
			return Decision{
				Kind:       DecisionForward,
				Upstream:   cfg.Settings.DefaultUpstream,
				Transport:  "udp",
				AllowReuse: true,
			}, ruleOutcomeTerminal, nil
		case ActionDeny:
			return Decision{Kind: DecisionStatic, Rcode: dns.RcodeRefused}, ruleOutcomeTerminal, nil
		case ActionStaticResponse:
			return Decision{Kind: DecisionStatic, Rcode: action.Rcode}, ruleOutcomeTerminal, nil
		case ActionStaticIPResponse:
			rcode, answers := makeStaticIPAnswer(mctx.QName, action.IP)
			return Decision{Kind: DecisionStatic, Rcode: rcode, Answers: answers}, ruleOutcomeTerminal, nil
		case ActionForward:
			upstream := action.Upstream
			if upstream == "" {
				upstream = cfg.Settings.DefaultUpstream
			}
			return Decision{
				Kind:      DecisionForward,
				Upstream:  upstream,
				Transport: action.Transport,
				Rule:      rule,
			}, ruleOutcomeTerminal, nil
		case ActionJumpToPipeline:
			if *jumpBudget <= 0 {
				return Decision{}, ruleOutcomeTerminal, &BudgetExceeded{What: "response_jump_limit"}
			}
			*jumpBudget--
			return Decision{Pipeline: action.Pipeline}, ruleOutcomeJump, nil
		default:
			return Decision{}, ruleOutcomeTerminal, &BudgetExceeded{What: "unknown action kind"}
		}
	}
	// Ran out of actions (e.g. a rule whose list is all Log, or empty)
	// without hitting a terminal action: same as an explicit Continue.
	return Decision{}, ruleOutcomeFallThrough, nil
}

// forwardAndRunResponsePhase consults the L2 response cache, otherwise
// forwards via the requested transport (or the sequential UDP/TCP hedge
// when unspecified), then walks *the rule that produced this forward's*
// response-phase matchers/actions (§4.5) — not a pipeline-wide scan, since
// two different Forward-producing rules in the same pipeline can carry
// different (or no) response chains. Caps the forward chain at 4 hops so a
// misconfigured jump_to_pipeline response action can't loop forever.
func (e *Engine) forwardAndRunResponsePhase(ctx context.Context, cfg *CompiledConfig, pipeline *Pipeline, req *dns.Msg, mctx MatchContext, dec Decision) ([]byte, error) {
	const maxForwardChain = 4
	upstream := dec.Upstream
	transport := dec.Transport
	rule := dec.Rule
	jumpBudget := cfg.Settings.ResponseJumpLimit

	for hop := 0; ; hop++ {
		if hop >= maxForwardChain {
			return nil, &BudgetExceeded{What: "forward chain"}
		}

		raw, respMsg, err := e.forwardOne(ctx, cfg, req, pipeline.ID, upstream, transport, mctx.QName, mctx.QType)
		if err != nil {
			return nil, err
		}

		if rule == nil {
			// Default forward (no candidate matched) or an Allow decision:
			// neither carries a response chain (§4.4).
			return raw, nil
		}

		rctx := ResponseMatchContext{
			RequestQName: mctx.QName,
			Upstream:     upstream,
			Response:     respMsg,
			RequestQType: mctx.QType,
		}
		if respMsg != nil {
			rctx.QuickRcode = uint8(respMsg.Rcode)
		}

		action, matched := e.evalResponsePhase(rule, rctx)
		if !matched || action == nil {
			return raw, nil
		}

		switch action.Kind {
		case ActionForward:
			next := action.Upstream
			if next == "" {
				next = cfg.Settings.DefaultUpstream
			}
			upstream = next
			transport = action.Transport
			// Re-enter the same rule's response chain against the new
			// forward's answer.
			continue
		case ActionJumpToPipeline:
			if jumpBudget <= 0 {
				return nil, &BudgetExceeded{What: "response_jump_limit"}
			}
			jumpBudget--
			next, ok := cfg.PipelineByID(action.Pipeline)
			if !ok {
				return nil, &NoSuchPipeline{ID: action.Pipeline}
			}
			// §4.4.2: a response-phase jump retriggers request-phase rule
			// evaluation in the target pipeline (rather than reusing the
			// originating rule's response chain against an unrelated
			// pipeline), and may itself produce a new Forward.
			jdec, err := e.evalRequestPhase(cfg, next, mctx)
			if err != nil {
				return nil, err
			}
			switch jdec.Kind {
			case DecisionStatic:
				resp := new(dns.Msg)
				resp.SetReply(req)
				resp.Rcode = jdec.Rcode
				resp.Answer = jdec.Answers
				return resp.Pack()
			case DecisionForward:
				pipeline = next
				upstream = jdec.Upstream
				transport = jdec.Transport
				rule = jdec.Rule
				continue
			default:
				return nil, &BudgetExceeded{What: "response jump did not terminate"}
			}
		case ActionDeny:
			resp := new(dns.Msg)
			resp.SetRcode(req, dns.RcodeRefused)
			return resp.Pack()
		case ActionStaticResponse:
			resp := new(dns.Msg)
			resp.SetRcode(req, action.Rcode)
			return resp.Pack()
		case ActionStaticIPResponse:
			resp := new(dns.Msg)
			resp.SetReply(req)
			rcode, answers := makeStaticIPAnswer(mctx.QName, action.IP)
			resp.Rcode = rcode
			resp.Answer = answers
			return resp.Pack()
		default:
			// Log/Allow/Continue: accept the response as-is.
			return raw, nil
		}
	}
}

// evalResponsePhase evaluates the single rule that produced the forward
// being processed — not the whole pipeline (§4.4: a rule's response chain
// belongs to that rule alone) — and returns its first on-match action (or
// on-miss action if the chain didn't match but the rule declared one).
func (e *Engine) evalResponsePhase(rule *Rule, rctx ResponseMatchContext) (*Action, bool) {
	if len(rule.ResponseMatchers) == 0 {
		return nil, false
	}
	if MatchResponseChain(rule.ResponseMatchers, rctx) {
		if len(rule.ResponseActionsOnMatch) > 0 {
			a := rule.ResponseActionsOnMatch[0]
			return &a, true
		}
		return nil, false
	}
	if len(rule.ResponseActionsOnMiss) > 0 {
		a := rule.ResponseActionsOnMiss[0]
		return &a, true
	}
	return nil, false
}

// forwardOne consults the L2 cache, else performs one upstream round trip
// (choosing UDP/TCP per the decision's transport hint or the default
// sequential hedge), populates the cache on success, and fully decodes the
// response for the response-phase matchers.
func (e *Engine) forwardOne(ctx context.Context, cfg *CompiledConfig, req *dns.Msg, pipelineID, upstream, transport, qname string, qtype uint16) ([]byte, *dns.Msg, error) {
	if cached, ok := e.ResponseCache.Get(pipelineID, qname, qtype); ok {
		e.Metrics.CacheHitL2.Add(1)
		out := make([]byte, len(cached.Bytes))
		copy(out, cached.Bytes)
		rewriteTxID(out, req.Id)
		msg := new(dns.Msg)
		_ = msg.Unpack(out)
		return out, msg, nil
	}
	e.Metrics.CacheMissL2.Add(1)

	packet, err := req.Pack()
	if err != nil {
		return nil, nil, &ParseFailure{Reason: err.Error()}
	}

	timeout := time.Duration(cfg.Settings.UpstreamTimeoutMS) * time.Millisecond
	raw, err := e.forwardWithTransport(ctx, transport, upstream, packet, timeout)
	if err != nil {
		return nil, nil, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return raw, nil, nil
	}

	entry := &ResponseCacheEntry{
		Bytes:      raw,
		Rcode:      msg.Rcode,
		Source:     upstream,
		QName:      qname,
		PipelineID: pipelineID,
		QType:      qtype,
	}
	if ttl, ok := CacheTTL(MinAnswerTTL(msg), cfg.Settings.MinTTL); ok {
		e.ResponseCache.Put(entry, ttl)
	}
	return raw, msg, nil
}

// forwardWithTransport dispatches to the transport named by the decision,
// or performs the sequential hedge (half-budget UDP, full-budget UDP, then
// full-budget TCP fallback) when transport is unspecified, matching the
// original implementation's forward_udp_smart (§4.7, resolved Open
// Question: sequential, not parallel, hedging).
func (e *Engine) forwardWithTransport(ctx context.Context, transport, upstream string, packet []byte, timeout time.Duration) ([]byte, error) {
	switch transport {
	case "tcp":
		if e.TCP == nil {
			return nil, &PoolExhausted{Transport: "tcp"}
		}
		return e.TCP.Forward(ctx, upstream, packet, timeout)
	case "udp":
		if e.UDP == nil {
			return nil, &PoolExhausted{Transport: "udp"}
		}
		return e.UDP.Forward(ctx, upstream, packet, timeout)
	default:
		return e.hedgedForward(ctx, upstream, packet, timeout)
	}
}

func (e *Engine) hedgedForward(ctx context.Context, upstream string, packet []byte, timeout time.Duration) ([]byte, error) {
	if e.UDP != nil {
		half := timeout / 2
		if half > 0 {
			out, err := e.UDP.Forward(ctx, upstream, packet, half)
			if err == nil {
				return out, nil
			}
		}
		out, err := e.UDP.Forward(ctx, upstream, packet, timeout)
		if err == nil {
			return out, nil
		}
	}
	if e.TCP != nil {
		return e.TCP.Forward(ctx, upstream, packet, timeout)
	}
	return nil, &UpstreamTimeout{Upstream: upstream}
}

// rewriteTxID patches the 16-bit transaction ID in place on a packed wire
// response, letting a cached (or single-flight-shared) answer serve a
// request whose ID differs from the one that originally produced it.
func rewriteTxID(packet []byte, txID uint16) {
	if len(packet) < 2 {
		return
	}
	packet[0] = byte(txID >> 8)
	packet[1] = byte(txID)
}

// newDebugID produces a short trace label for debug logging (SPEC_FULL.md
// §3 ambient debug/trace additions); not used on the hot path.
func newDebugID() string {
	return uuid.NewString()
}
