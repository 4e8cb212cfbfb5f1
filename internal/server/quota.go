package server

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/turngate/turngate/internal/relaymsg"
)

// bandwidthTracker enforces the per-session byte/sec cap from spec.md
// §4.5, with one counter per 5-tuple and no per-realm counter: a fixed
// combined input+output rate, reset every
// second by the same ticker that drives Server.collect. Exceeding the
// cap drops the datagram silently — Send/Data are indications, so there
// is no error response to carry a failure back to the client.
type bandwidthTracker struct {
	maxBPS uint64 // 0 disables the cap

	mu       sync.Mutex
	sessions map[relaymsg.FiveTuple]*atomic.Uint64
}

func newBandwidthTracker(maxBPS uint64) *bandwidthTracker {
	return &bandwidthTracker{
		maxBPS:   maxBPS,
		sessions: make(map[relaymsg.FiveTuple]*atomic.Uint64),
	}
}

// allow reports whether n additional bytes may be transferred for tuple
// within the current one-second window, and accounts for them if so.
func (b *bandwidthTracker) allow(tuple relaymsg.FiveTuple, n int) bool {
	if b.maxBPS == 0 {
		return true
	}
	b.mu.Lock()
	c, ok := b.sessions[tuple]
	if !ok {
		c = atomic.NewUint64(0)
		b.sessions[tuple] = c
	}
	b.mu.Unlock()
	return c.Add(uint64(n)) <= b.maxBPS
}

// reset rolls every session's counter over to zero, called once per
// second by Server.collect.
func (b *bandwidthTracker) reset() {
	b.mu.Lock()
	for _, c := range b.sessions {
		c.Store(0)
	}
	b.mu.Unlock()
}

// forget drops the counter for a torn-down allocation so the map does
// not grow without bound across the server's lifetime.
func (b *bandwidthTracker) forget(tuple relaymsg.FiveTuple) {
	b.mu.Lock()
	delete(b.sessions, tuple)
	b.mu.Unlock()
}
