package eventlog

import (
	"sync"
	"time"

	"github.com/Hikari-project/FD-Reid/internal/flow"
)

// Counts is a snapshot of the running business counters.
type Counts struct {
	Enter   int64 `json:"enter"`
	Exit    int64 `json:"exit"`
	Pass    int64 `json:"pass"`
	ReEnter int64 `json:"re_enter"`
}

func (c *Counts) add(kind flow.Kind) {
	switch kind {
	case flow.KindEnter:
		c.Enter++
	case flow.KindExit:
		c.Exit++
	case flow.KindPass:
		c.Pass++
	case flow.KindReEnter:
		c.ReEnter++
	}
}

type dedupKey struct {
	identity int64
	kind     flow.Kind
}

// Counters are process-wide totals with per-identity cooldown: the same
// identity counts at most once per event type within the cooldown window.
// Unresolved identities (negative ids) are always counted.
type Counters struct {
	mu       sync.Mutex
	counts   Counts
	last     map[dedupKey]time.Time
	cooldown time.Duration
}

func NewCounters(cooldown time.Duration) *Counters {
	return &Counters{last: make(map[dedupKey]time.Time), cooldown: cooldown}
}

// Add counts one event and reports whether it was counted.
func (c *Counters) Add(kind flow.Kind, identity int64, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if identity >= 0 {
		key := dedupKey{identity, kind}
		if prev, ok := c.last[key]; ok && at.Sub(prev) < c.cooldown {
			return false
		}
		c.last[key] = at
	}
	c.counts.add(kind)
	return true
}

func (c *Counters) Snapshot() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

// Reset zeroes the counters and forgets every cooldown.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = Counts{}
	c.last = make(map[dedupKey]time.Time)
}

// Prune drops cooldown entries that can no longer suppress an event.
func (c *Counters) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, t := range c.last {
		if now.Sub(t) >= c.cooldown {
			delete(c.last, k)
		}
	}
}
