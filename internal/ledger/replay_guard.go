package ledger

import (
	"sync"
	"time"
)

// replayGuard remembers recently committed transaction ids so a resubmitted
// transaction is rejected instead of applied twice.
type replayGuard struct {
	mu        sync.Mutex
	seen      map[string]int64
	ttl       time.Duration
	lastPrune int64
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &replayGuard{
		seen: map[string]int64{},
		ttl:  ttl,
	}
}

func (g *replayGuard) seenRecently(id string, now time.Time) bool {
	nowMS := now.UnixMilli()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shouldPruneLocked(nowMS) {
		g.pruneLocked(nowMS)
	}
	exp, ok := g.seen[id]
	return ok && exp > nowMS
}

func (g *replayGuard) remember(id string, now time.Time) {
	nowMS := now.UnixMilli()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[id] = nowMS + g.ttl.Milliseconds()
}

func (g *replayGuard) shouldPruneLocked(nowMS int64) bool {
	if len(g.seen) == 0 {
		return false
	}
	if len(g.seen) > 4096 {
		return true
	}
	return nowMS-g.lastPrune > g.ttl.Milliseconds()/2
}

func (g *replayGuard) pruneLocked(nowMS int64) {
	for k, exp := range g.seen {
		if exp <= nowMS {
			delete(g.seen, k)
		}
	}
	g.lastPrune = nowMS
}
