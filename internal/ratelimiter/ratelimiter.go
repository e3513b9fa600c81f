// Package ratelimiter is a per-address token bucket. It is driven by the
// caller's clock and garbage collected by Sweep, so it owns no goroutine.
package ratelimiter

import (
	"net/netip"
	"time"
)

const (
	defaultPacketsPerSecond = 20
	defaultPacketsBurstable = 5
	garbageCollectTime      = time.Second
)

type entry struct {
	lastTime time.Time
	tokens   int64
}

// Ratelimiter is not safe for concurrent use.
type Ratelimiter struct {
	table      map[netip.Addr]*entry
	packetCost int64
	maxTokens  int64
}

// New returns a limiter admitting pps packets per second per address with
// the given burst. Non-positive values select the defaults.
func New(pps, burst int) *Ratelimiter {
	if pps <= 0 {
		pps = defaultPacketsPerSecond
	}
	if burst <= 0 {
		burst = defaultPacketsBurstable
	}
	cost := int64(time.Second / time.Duration(pps))
	return &Ratelimiter{
		table:      make(map[netip.Addr]*entry),
		packetCost: cost,
		maxTokens:  cost * int64(burst),
	}
}

// Sweep forgets addresses idle for longer than a second.
func (rate *Ratelimiter) Sweep(now time.Time) {
	for key, e := range rate.table {
		if now.Sub(e.lastTime) > garbageCollectTime {
			delete(rate.table, key)
		}
	}
}

// Len returns the number of tracked addresses.
func (rate *Ratelimiter) Len() int { return len(rate.table) }

func (rate *Ratelimiter) Allow(ip netip.Addr, now time.Time) bool {
	e := rate.table[ip]
	if e == nil {
		rate.table[ip] = &entry{
			tokens:   rate.maxTokens - rate.packetCost,
			lastTime: now,
		}
		return true
	}

	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > rate.maxTokens {
		e.tokens = rate.maxTokens
	}
	if e.tokens >= rate.packetCost {
		e.tokens -= rate.packetCost
		return true
	}
	return false
}
