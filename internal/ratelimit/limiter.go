// Package ratelimit enforces per-connection, per-message-kind token
// buckets so one noisy client cannot starve a room's other
// participants or the server's broadcast fan-out (spec §4.4, §6).
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Kind names a message category with its own independent bucket.
type Kind string

const (
	KindOp     Kind = "op"
	KindCursor Kind = "cursor"
)

// Config sets the rate and burst for one message kind.
type Config struct {
	RatePerSecond float64
	Burst         int
}

// DefaultConfigs mirrors spec §6's per-connection defaults.
func DefaultConfigs() map[Kind]Config {
	return map[Kind]Config{
		KindOp:     {RatePerSecond: 50, Burst: 100},
		KindCursor: {RatePerSecond: 30, Burst: 60},
	}
}

// Limiter tracks one token bucket per message kind for a single
// connection. It is not safe for concurrent use by multiple
// goroutines; each session owns exactly one Limiter (spec §5).
type Limiter struct {
	buckets map[Kind]*rate.Limiter
}

// New builds a Limiter from the given per-kind configuration. Kinds
// absent from cfg are unlimited.
func New(cfg map[Kind]Config) *Limiter {
	buckets := make(map[Kind]*rate.Limiter, len(cfg))
	for kind, c := range cfg {
		buckets[kind] = rate.NewLimiter(rate.Limit(c.RatePerSecond), c.Burst)
	}
	return &Limiter{buckets: buckets}
}

// Allow reports whether a message of the given kind may proceed right
// now, consuming a token if so. Unknown kinds are always allowed.
func (l *Limiter) Allow(kind Kind) bool {
	b, ok := l.buckets[kind]
	if !ok {
		return true
	}
	return b.Allow()
}

// AllowAt reports Allow as of a caller-supplied time, for deterministic
// tests.
func (l *Limiter) AllowAt(kind Kind, now time.Time) bool {
	b, ok := l.buckets[kind]
	if !ok {
		return true
	}
	return b.AllowN(now, 1)
}
