package kixdns

import (
	"container/list"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// fnv1a64 hashes the given fields into a single fingerprint, joining them
// with a separator byte that cannot appear in a DNS name or IP string so
// distinct field tuples cannot collide by concatenation alone.
func fnv1a64(parts ...string) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for i, p := range parts {
		if i > 0 {
			h ^= 0x1f
			h *= prime
		}
		for j := 0; j < len(p); j++ {
			h ^= uint64(p[j])
			h *= prime
		}
	}
	return h
}

// RuleCacheEntry is the L1 (rule-decision) cache payload: a request that
// reached a given pipeline with a given qname/client produced this Decision,
// valid for as long as the TTL allows.
type RuleCacheEntry struct {
	Decision Decision
	QNameHash uint64
}

// ResponseCacheEntry is the L2 (response-bytes) cache payload: the raw wire
// bytes of a full answer, keyed by pipeline+qname+qtype, good for reuse by
// any client asking the same question (§3).
type ResponseCacheEntry struct {
	Bytes      []byte
	Rcode      int
	Source     string
	QName      string
	PipelineID string
	QType      uint16
}

type cacheItem struct {
	key      uint64
	ruleVal  *RuleCacheEntry
	respVal  *ResponseCacheEntry
	expireAt time.Time
}

// ttlCache is a capacity-bounded, LRU-evicted, TTL-expiring cache shared by
// the L1 and L2 instantiations below. Modeled on the teacher's lru-cache.go
// doubly-linked-list + map idiom, generalized to hold either payload shape
// and to expire on TTL in addition to capacity pressure.
type ttlCache struct {
	mu       sync.Mutex
	capacity int
	items    map[uint64]*list.Element
	order    *list.List // front = most recently used
}

func newTTLCache(capacity int) *ttlCache {
	return &ttlCache{
		capacity: capacity,
		items:    make(map[uint64]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *ttlCache) get(key uint64) (*cacheItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	it := el.Value.(*cacheItem)
	if time.Now().After(it.expireAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return it, true
}

func (c *ttlCache) put(it *cacheItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[it.key]; ok {
		el.Value = it
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(it)
	c.items[it.key] = el
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.order.Remove(back)
		delete(c.items, back.Value.(*cacheItem).key)
	}
}

func (c *ttlCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// RuleCache is the L1 cache: fingerprint(pipeline_id, qname, client_ip) ->
// RuleCacheEntry, with a qname_hash field re-verified on lookup so a
// fingerprint collision across unrelated qnames is caught and treated as a
// miss rather than served incorrectly (§3, §4.6).
type RuleCache struct {
	backend *ttlCache
}

func NewRuleCache(capacity int) *RuleCache {
	return &RuleCache{backend: newTTLCache(capacity)}
}

func ruleCacheFingerprint(pipelineID, qname string, clientIP net.IP) uint64 {
	ipStr := ""
	if clientIP != nil {
		ipStr = clientIP.String()
	}
	return fnv1a64(pipelineID, qname, ipStr)
}

func qnameHash(qname string) uint64 {
	return fnv1a64(qname)
}

// Get returns the cached Decision, or (zero, false) on a miss or a
// fingerprint collision (InternalCacheMiss semantics, not logged: the caller
// just falls through to a fresh evaluation).
func (c *RuleCache) Get(pipelineID, qname string, clientIP net.IP) (Decision, bool) {
	key := ruleCacheFingerprint(pipelineID, qname, clientIP)
	it, ok := c.backend.get(key)
	if !ok || it.ruleVal == nil {
		return Decision{}, false
	}
	if it.ruleVal.QNameHash != qnameHash(qname) {
		return Decision{}, false
	}
	return it.ruleVal.Decision, true
}

// Put stores dec under the fingerprint for pipelineID/qname/clientIP, valid
// for ttl.
func (c *RuleCache) Put(pipelineID, qname string, clientIP net.IP, dec Decision, ttl time.Duration) {
	key := ruleCacheFingerprint(pipelineID, qname, clientIP)
	c.backend.put(&cacheItem{
		key:      key,
		ruleVal:  &RuleCacheEntry{Decision: dec, QNameHash: qnameHash(qname)},
		expireAt: time.Now().Add(ttl),
	})
}

func (c *RuleCache) Len() int { return c.backend.len() }

// ResponseCache is the L2 cache: fingerprint(pipeline_id, qname_lc, qtype)
// -> ResponseCacheEntry, with pipeline_id/qname/qtype re-verified on lookup
// for the same collision-safety reason as RuleCache (§3, §4.6).
type ResponseCache struct {
	backend *ttlCache
}

func NewResponseCache(capacity int) *ResponseCache {
	return &ResponseCache{backend: newTTLCache(capacity)}
}

func responseCacheFingerprint(pipelineID, qname string, qtype uint16) uint64 {
	return fnv1a64(pipelineID, strings.ToLower(qname), string(rune(qtype)))
}

func (c *ResponseCache) Get(pipelineID, qname string, qtype uint16) (*ResponseCacheEntry, bool) {
	key := responseCacheFingerprint(pipelineID, qname, qtype)
	it, ok := c.backend.get(key)
	if !ok || it.respVal == nil {
		return nil, false
	}
	e := it.respVal
	if e.PipelineID != pipelineID || !strings.EqualFold(e.QName, qname) || e.QType != qtype {
		return nil, false
	}
	return e, true
}

func (c *ResponseCache) Put(entry *ResponseCacheEntry, ttl time.Duration) {
	key := responseCacheFingerprint(entry.PipelineID, entry.QName, entry.QType)
	c.backend.put(&cacheItem{
		key:      key,
		respVal:  entry,
		expireAt: time.Now().Add(ttl),
	})
}

func (c *ResponseCache) Len() int { return c.backend.len() }

// CacheTTL computes the L2 cache lifetime from the response's observed
// minimum answer TTL and the configured floor, matching min_ttl/min_answer_ttl
// semantics (§3): the effective TTL is never below Settings.MinTTL. A zero
// effective TTL means do not cache at all (§3's documented L2 invariant),
// signaled by the second return value being false.
func CacheTTL(minAnswerTTL, configuredMinTTL uint32) (time.Duration, bool) {
	ttl := minAnswerTTL
	if configuredMinTTL > ttl {
		ttl = configuredMinTTL
	}
	if ttl == 0 {
		return 0, false
	}
	return time.Duration(ttl) * time.Second, true
}

// ruleCacheTTL is the L1 rule-decision cache lifetime. L1 entries aren't
// derived from an upstream answer TTL (a Decision is either a local static
// policy or "forward to this upstream", not a set of answer records), so
// CacheTTL's "zero effective TTL means don't cache" invariant — which is
// specifically about L2 response bytes (§3) — doesn't apply here. Use the
// configured floor when set, otherwise a conservative default so a bare
// config (min_ttl unset) still gets L1 reuse.
func ruleCacheTTL(configuredMinTTL uint32) time.Duration {
	if configuredMinTTL > 0 {
		return time.Duration(configuredMinTTL) * time.Second
	}
	return 30 * time.Second
}

// MinAnswerTTL returns the lowest TTL among a decoded message's Answer
// records, or 0 if there are none.
func MinAnswerTTL(msg *dns.Msg) uint32 {
	var min uint32 = ^uint32(0)
	found := false
	for _, rr := range msg.Answer {
		if rr.Header().Ttl < min {
			min = rr.Header().Ttl
			found = true
		}
	}
	if !found {
		return 0
	}
	return min
}
