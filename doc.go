/*
Package kixdns implements the core of a programmable, hot-reloadable DNS
forwarding proxy.

Queries arrive over UDP or TCP, get classified against an ordered set of
user-defined pipelines of rules, and are either answered from a static
policy, forwarded to an upstream resolver, or have their upstream response
rewritten by a second matcher pass before being returned (the response
cache holds the raw upstream answer).

# Quick-Parse

wire.go extracts just enough of a DNS message (transaction ID, QNAME, QTYPE,
QCLASS on request; RCODE, minimum TTL on response) to drive the cache and
static fast paths without a full message decode.

# Matching and rules

match.go implements the left-to-right short-circuiting boolean chain
evaluator shared by request matchers, response matchers, and pipeline
selectors. rules.go compiles a config into runtime matchers plus an index
(domain-exact/domain-suffix/query-type) used to narrow the candidate rule
set per query.

# Engine

engine.go is the decision engine: pipeline selection, rule walking, jump
resolution, and the response-phase action executor. transport_udp.go and
transport_tcp.go provide the upstream clients it calls into, cache.go and
dedup.go the two caches and the single-flight layer.

# Config and reload

config.go defines the JSON config schema and loader; watcher.go hot-reloads
it from disk and republishes a compiled snapshot atomically.
*/
package kixdns
