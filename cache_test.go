package kixdns

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRuleCachePutGet(t *testing.T) {
	c := NewRuleCache(16)
	ip := net.ParseIP("192.168.1.1")
	dec := Decision{Kind: DecisionStatic, Rcode: 3}

	_, ok := c.Get("default", "example.com.", ip)
	require.False(t, ok)

	c.Put("default", "example.com.", ip, dec, time.Minute)
	got, ok := c.Get("default", "example.com.", ip)
	require.True(t, ok)
	require.Equal(t, dec, got)
}

func TestRuleCacheExpires(t *testing.T) {
	c := NewRuleCache(16)
	ip := net.ParseIP("10.0.0.1")
	c.Put("p", "a.com.", ip, Decision{Kind: DecisionStatic}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("p", "a.com.", ip)
	require.False(t, ok)
}

func TestRuleCacheEvictsLRUAtCapacity(t *testing.T) {
	c := NewRuleCache(2)
	ip := net.ParseIP("127.0.0.1")
	c.Put("p", "a.com.", ip, Decision{Rcode: 1}, time.Minute)
	c.Put("p", "b.com.", ip, Decision{Rcode: 2}, time.Minute)
	c.Put("p", "c.com.", ip, Decision{Rcode: 3}, time.Minute)

	_, ok := c.Get("p", "a.com.", ip)
	require.False(t, ok, "oldest entry should have been evicted")
	require.Equal(t, 2, c.Len())
}

func TestResponseCachePutGetVerifiesFields(t *testing.T) {
	c := NewResponseCache(16)
	entry := &ResponseCacheEntry{
		Bytes:      []byte{1, 2, 3},
		PipelineID: "default",
		QName:      "example.com.",
		QType:      1,
	}
	c.Put(entry, time.Minute)

	got, ok := c.Get("default", "example.com.", 1)
	require.True(t, ok)
	require.Equal(t, entry.Bytes, got.Bytes)

	_, ok = c.Get("default", "other.com.", 1)
	require.False(t, ok)
}

func TestCacheTTLSignalsDoNotCacheOnZero(t *testing.T) {
	ttl, ok := CacheTTL(0, 0)
	require.False(t, ok)
	require.Zero(t, ttl)
}

func TestCacheTTLAppliesFloor(t *testing.T) {
	ttl, ok := CacheTTL(10, 30)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, ttl)

	ttl, ok = CacheTTL(60, 10)
	require.True(t, ok)
	require.Equal(t, 60*time.Second, ttl)
}

func TestRuleCacheTTLDefaultsWhenUnconfigured(t *testing.T) {
	require.Equal(t, 30*time.Second, ruleCacheTTL(0))
	require.Equal(t, 5*time.Second, ruleCacheTTL(5))
}
