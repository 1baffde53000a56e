package kixdns

import "sync"

// dedupWaiter is a one-shot channel a follower blocks on until the leader
// resolves the shared fingerprint to a terminal result.
type dedupWaiter chan dedupResult

type dedupResult struct {
	Bytes []byte
	Err   error
}

// RequestDedup coalesces concurrent requests that share a fingerprint
// (pipeline_id + qname + qtype, typically) so only one of them actually
// walks the decision engine and talks to upstreams; the rest block on a
// channel and receive the leader's result (§4.6). Modeled on the teacher's
// request-dedup.go mutex+map idiom, generalized to a list of waiters per
// key (the Rust original's per-hash waiter-channel-list) rather than a
// single in-flight marker, so an arbitrary number of followers can queue
// behind one leader.
type RequestDedup struct {
	mu      sync.Mutex
	waiters map[uint64][]dedupWaiter
}

func NewRequestDedup() *RequestDedup {
	return &RequestDedup{waiters: make(map[uint64][]dedupWaiter)}
}

// Claim registers the caller as either the leader (isLeader=true, caller
// must eventually call Resolve) or a follower (isLeader=false, ch is the
// channel the follower should receive on) for fingerprint key.
func (d *RequestDedup) Claim(key uint64) (ch dedupWaiter, isLeader bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, inFlight := d.waiters[key]
	w := make(dedupWaiter, 1)
	if inFlight {
		d.waiters[key] = append(existing, w)
		return w, false
	}
	d.waiters[key] = []dedupWaiter{}
	return w, true
}

// Resolve delivers result to every follower waiting on key and clears the
// in-flight entry. Only the leader calls this, and only once, after a
// terminal (non-Continue) decision — followers that joined after a
// Continue step would otherwise be released on an intermediate state, so
// the caller must not invoke Resolve until it has a final answer.
func (d *RequestDedup) Resolve(key uint64, result dedupResult) {
	d.mu.Lock()
	waiters := d.waiters[key]
	delete(d.waiters, key)
	d.mu.Unlock()

	for _, w := range waiters {
		w <- result
		close(w)
	}
}

// Abandon clears the in-flight entry without delivering a result, used when
// the leader fails before producing a terminal decision (e.g. a dropped
// upstream connection or panic-recovery path). Waiting followers are woken
// with an error result rather than left hanging; per-request policy is that
// each follower then independently retries from scratch (an explicit design
// choice: followers do not chain onto a new leader, since the failure may be
// specific to the original leader's upstream attempt).
func (d *RequestDedup) Abandon(key uint64, err error) {
	d.mu.Lock()
	waiters := d.waiters[key]
	delete(d.waiters, key)
	d.mu.Unlock()

	for _, w := range waiters {
		w <- dedupResult{Err: err}
		close(w)
	}
}

// Len reports the number of fingerprints currently in flight (for metrics).
func (d *RequestDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}
