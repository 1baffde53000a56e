package kixdns

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// Settings holds the global, top-level config knobs (§3, §6). Defaults
// match the original implementation exactly.
type Settings struct {
	MinTTL            uint32 `json:"min_ttl"`
	BindUDP           string `json:"bind_udp"`
	BindTCP           string `json:"bind_tcp"`
	DefaultUpstream   string `json:"default_upstream"`
	UpstreamTimeoutMS int    `json:"upstream_timeout_ms"`
	ResponseJumpLimit int    `json:"response_jump_limit"`
	UDPPoolSize       int    `json:"udp_pool_size"`
	TCPPoolSize       int    `json:"tcp_pool_size"`
	// AdminListen, unset by default, optionally starts the expvar admin
	// listener (a supplemental, ambient-observability addition; see
	// SPEC_FULL.md §3).
	AdminListen string `json:"admin_listen,omitempty"`
}

func defaultSettings() Settings {
	return Settings{
		MinTTL:            0,
		BindUDP:           "0.0.0.0:5353",
		BindTCP:           "0.0.0.0:5353",
		DefaultUpstream:   "1.1.1.1:53",
		UpstreamTimeoutMS: 2000,
		ResponseJumpLimit: 10,
		UDPPoolSize:       64,
		TCPPoolSize:       64,
	}
}

// Config is the raw, JSON-decoded document (§6): version?, settings,
// pipeline_select, pipelines.
type Config struct {
	Version        string               `json:"version,omitempty"`
	Settings       Settings             `json:"settings"`
	PipelineSelect []pipelineSelectJSON `json:"pipeline_select"`
	Pipelines      []pipelineJSON       `json:"pipelines"`
}

type pipelineSelectJSON struct {
	Pipeline     string        `json:"pipeline"`
	Matchers     []matcherJSON `json:"matchers"`
	MatchOp      MatchOperator `json:"matcher_operator"`
}

type pipelineJSON struct {
	ID    string    `json:"id"`
	Rules []ruleJSON `json:"rules"`
}

type ruleJSON struct {
	Name                   string                `json:"name"`
	Matchers               []matcherJSON         `json:"matchers"`
	MatchOp                MatchOperator         `json:"matcher_operator"`
	Actions                []actionJSON          `json:"actions"`
	ResponseMatchers       []responseMatcherJSON `json:"response_matchers"`
	ResponseMatchOp        MatchOperator         `json:"response_matcher_operator"`
	ResponseActionsOnMatch []actionJSON          `json:"response_actions_on_match"`
	ResponseActionsOnMiss  []actionJSON          `json:"response_actions_on_miss"`
}

type matcherJSON struct {
	Operator MatchOperator `json:"operator"`
	Type     string        `json:"type"`
	Value    string        `json:"value,omitempty"`
	CIDR     string        `json:"cidr,omitempty"`
	Expect   *bool         `json:"expect,omitempty"`
}

type responseMatcherJSON struct {
	Operator MatchOperator `json:"operator"`
	Type     string        `json:"type"`
	Value    string        `json:"value,omitempty"`
	CIDR     string        `json:"cidr,omitempty"` // comma-separated for multi-net variants
	Expect   *bool         `json:"expect,omitempty"`
}

type actionJSON struct {
	Type      string `json:"type"`
	Level     string `json:"level,omitempty"`
	Rcode     string `json:"rcode,omitempty"`
	IP        string `json:"ip,omitempty"`
	Pipeline  string `json:"pipeline,omitempty"`
	Upstream  string `json:"upstream,omitempty"`
	Transport string `json:"transport,omitempty"`
}

// LoadConfig reads and decodes a single JSON config file, applying
// defaults for any Settings field the document leaves unset. It does not
// compile matchers/actions — call Compile on the result (or use
// LoadAndCompile).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{Settings: defaultSettings()}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigInvalid{Reason: err.Error()}
	}
	if cfg.Version != "" {
		Log.Info("loading config", "path", path, "version", cfg.Version)
	}
	return cfg, nil
}

// LoadAndCompile loads a config file from disk and compiles it in one step.
func LoadAndCompile(path string) (*CompiledConfig, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return Compile(cfg)
}

// --- matcher/action construction from the decoded JSON shapes ------------

func (m matcherJSON) toRequestMatcher() (RequestMatcher, error) {
	switch m.Type {
	case "any":
		return AnyMatcher{}, nil
	case "domain_suffix":
		return DomainSuffixMatcher{Value: strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(m.Value, "."), "."))}, nil
	case "domain_regex":
		re, err := regexp.Compile(m.Value)
		if err != nil {
			return nil, fmt.Errorf("domain_regex: %w", err)
		}
		return DomainRegexMatcher{Regex: re}, nil
	case "client_ip":
		_, ipnet, err := net.ParseCIDR(m.CIDR)
		if err != nil {
			return nil, fmt.Errorf("client_ip cidr: %w", err)
		}
		return ClientIPMatcher{Net: ipnet}, nil
	case "qclass":
		cls, err := ParseDNSClass(m.Value)
		if err != nil {
			return nil, err
		}
		return QclassMatcher{Value: cls}, nil
	case "edns_present":
		if m.Expect == nil {
			return nil, fmt.Errorf("edns_present: missing expect")
		}
		return EdnsPresentMatcher{Expect: *m.Expect}, nil
	case "listener_label":
		return ListenerLabelMatcher{Value: m.Value}, nil
	default:
		return nil, fmt.Errorf("unknown matcher type %q", m.Type)
	}
}

func (m responseMatcherJSON) toResponseMatcher() (ResponseMatcher, error) {
	switch m.Type {
	case "upstream_equals":
		return UpstreamEqualsMatcher{Value: m.Value}, nil
	case "request_domain_suffix":
		if m.Value == "" {
			return nil, fmt.Errorf("request_domain_suffix: empty value")
		}
		return RequestDomainSuffixMatcher{Value: strings.ToLower(strings.TrimPrefix(m.Value, "."))}, nil
	case "request_domain_regex":
		re, err := regexp.Compile(m.Value)
		if err != nil {
			return nil, fmt.Errorf("request_domain_regex: %w", err)
		}
		return RequestDomainRegexMatcher{Regex: re}, nil
	case "response_upstream_ip":
		nets, err := parseCIDRList(m.CIDR)
		if err != nil {
			return nil, fmt.Errorf("response_upstream_ip: %w", err)
		}
		return ResponseUpstreamIPMatcher{Nets: nets}, nil
	case "response_answer_ip":
		nets, err := parseCIDRList(m.CIDR)
		if err != nil {
			return nil, fmt.Errorf("response_answer_ip: %w", err)
		}
		return ResponseAnswerIPMatcher{Nets: nets}, nil
	case "response_type":
		rtype, ok := dns.StringToType[strings.ToUpper(m.Value)]
		if !ok {
			return nil, fmt.Errorf("unknown response type %q", m.Value)
		}
		return ResponseTypeMatcher{Value: rtype}, nil
	case "response_rcode":
		rc, ok := ParseRcodeName(m.Value)
		if !ok {
			return nil, fmt.Errorf("unknown rcode %q", m.Value)
		}
		return ResponseRcodeMatcher{Value: rc}, nil
	case "response_qclass":
		cls, err := ParseDNSClass(m.Value)
		if err != nil {
			return nil, err
		}
		return ResponseQclassMatcher{Value: cls}, nil
	case "response_edns_present":
		if m.Expect == nil {
			return nil, fmt.Errorf("response_edns_present: missing expect")
		}
		return ResponseEdnsPresentMatcher{Expect: *m.Expect}, nil
	default:
		return nil, fmt.Errorf("unknown response matcher type %q", m.Type)
	}
}

func parseCIDRList(s string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, n, err := net.ParseCIDR(part)
		if err != nil {
			// Allow a bare IP by widening it to a /32 or /128.
			ip := net.ParseIP(part)
			if ip == nil {
				return nil, fmt.Errorf("invalid cidr/ip %q", part)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			_, n, _ = net.ParseCIDR(fmt.Sprintf("%s/%d", ip.String(), bits))
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func (a actionJSON) toAction() (Action, error) {
	switch a.Type {
	case "log":
		return Action{Kind: ActionLog, Level: a.Level}, nil
	case "static_response":
		rc, ok := ParseRcodeName(a.Rcode)
		if !ok {
			return Action{}, fmt.Errorf("static_response: unknown rcode %q", a.Rcode)
		}
		return Action{Kind: ActionStaticResponse, Rcode: rc}, nil
	case "static_ip_response":
		return Action{Kind: ActionStaticIPResponse, IP: a.IP}, nil
	case "jump_to_pipeline":
		if a.Pipeline == "" {
			return Action{}, fmt.Errorf("jump_to_pipeline: missing pipeline")
		}
		return Action{Kind: ActionJumpToPipeline, Pipeline: a.Pipeline}, nil
	case "allow":
		return Action{Kind: ActionAllow}, nil
	case "deny":
		return Action{Kind: ActionDeny}, nil
	case "forward":
		return Action{Kind: ActionForward, Upstream: a.Upstream, Transport: a.Transport}, nil
	case "continue":
		return Action{Kind: ActionContinue}, nil
	default:
		return Action{}, fmt.Errorf("unknown action type %q", a.Type)
	}
}
