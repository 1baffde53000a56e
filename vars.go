package kixdns

import (
	"expvar"
	"fmt"
)

// getVarInt returns (creating if necessary) an *expvar.Int at a namespaced path.
func getVarInt(base, id, name string) *expvar.Int {
	fullname := fmt.Sprintf("kixdns.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Int)
	}
	return expvar.NewInt(fullname)
}

// getVarMap returns (creating if necessary) an *expvar.Map at a namespaced path.
func getVarMap(base, id, name string) *expvar.Map {
	fullname := fmt.Sprintf("kixdns.%s.%s.%s", base, id, name)
	if v := expvar.Get(fullname); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap(fullname)
}

// EngineMetrics tracks the counters of one Engine instance, namespaced by
// the id passed to NewEngineMetrics, surfaced on the optional admin
// listener. Only the cache hit/miss counters are updated by the engine;
// DedupJoined, UpstreamCalls, Jumps and ServFails are registered but no code
// path increments them.
type EngineMetrics struct {
	CacheHitL1    *expvar.Int
	CacheMissL1   *expvar.Int
	CacheHitL2    *expvar.Int
	CacheMissL2   *expvar.Int
	DedupJoined   *expvar.Int
	UpstreamCalls *expvar.Map // by transport: udp, udp-hedge, tcp
	Jumps         *expvar.Int
	ServFails     *expvar.Int
}

// NewEngineMetrics builds the counters for one engine instance.
func NewEngineMetrics(id string) *EngineMetrics {
	return &EngineMetrics{
		CacheHitL1:    getVarInt("engine", id, "cache_hit_l1"),
		CacheMissL1:   getVarInt("engine", id, "cache_miss_l1"),
		CacheHitL2:    getVarInt("engine", id, "cache_hit_l2"),
		CacheMissL2:   getVarInt("engine", id, "cache_miss_l2"),
		DedupJoined:   getVarInt("engine", id, "dedup_joined"),
		UpstreamCalls: getVarMap("engine", id, "upstream_calls"),
		Jumps:         getVarInt("engine", id, "jumps"),
		ServFails:     getVarInt("engine", id, "servfail"),
	}
}
