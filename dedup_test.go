package kixdns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestDedupLeaderThenFollowers(t *testing.T) {
	d := NewRequestDedup()
	key := uint64(42)

	_, isLeader := d.Claim(key)
	require.True(t, isLeader)

	ch2, isLeader2 := d.Claim(key)
	require.False(t, isLeader2)

	done := make(chan dedupResult, 1)
	go func() {
		select {
		case r := <-ch2:
			done <- r
		case <-time.After(time.Second):
			done <- dedupResult{Err: errTimeoutForTest}
		}
	}()

	d.Resolve(key, dedupResult{Bytes: []byte("answer")})
	res := <-done
	require.NoError(t, res.Err)
	require.Equal(t, []byte("answer"), res.Bytes)
}

func TestRequestDedupAbandonWakesFollowersWithError(t *testing.T) {
	d := NewRequestDedup()
	key := uint64(7)

	_, _ = d.Claim(key)
	ch2, _ := d.Claim(key)

	d.Abandon(key, errTimeoutForTest)
	res := <-ch2
	require.Equal(t, errTimeoutForTest, res.Err)
}

func TestRequestDedupSecondClaimAfterResolveIsNewLeader(t *testing.T) {
	d := NewRequestDedup()
	key := uint64(1)
	_, isLeader := d.Claim(key)
	require.True(t, isLeader)
	d.Resolve(key, dedupResult{Bytes: []byte("x")})

	_, isLeader2 := d.Claim(key)
	require.True(t, isLeader2, "after resolution the fingerprint is no longer in flight")
}

var errTimeoutForTest = &UpstreamTimeout{Upstream: "test"}
