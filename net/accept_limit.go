package net

import (
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// AcceptLimiter is a token bucket limiter applied on the server's accept
// path. Accepted sockets beyond the allowance are closed immediately, before a
// client id is assigned. The limiter configuration can be swapped at
// runtime via atomic pointer replacement.
type AcceptLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewAcceptLimiter creates a token bucket accept limiter.
// limit is accepts per second; burst is the maximum accept burst.
func NewAcceptLimiter(limit int, burst int) *AcceptLimiter {
	l := &AcceptLimiter{}
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
	return l
}

// Allow reports whether one more accept fits the bucket. Non-blocking:
// the reactor must never stall behind the limiter.
func (l *AcceptLimiter) Allow() bool {
	return l.limiter.Load().Allow()
}

// Reload replaces the limiter configuration at runtime.
func (l *AcceptLimiter) Reload(limit int, burst int) {
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

// FunnelLimiter is a leaky bucket alternative for callers that want accepts
// paced evenly instead of burst-tolerant. Take blocks until the next slot,
// so it belongs on a control path, not inside the reactor loop.
type FunnelLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

// NewFunnelLimiter creates a leaky bucket limiter of limit events/second.
func NewFunnelLimiter(limit int) *FunnelLimiter {
	limiter := ratelimit.New(limit)
	l := &FunnelLimiter{}
	l.limiter.Store(&limiter)
	return l
}

// Take blocks until the next event slot.
func (l *FunnelLimiter) Take() {
	_ = (*l.limiter.Load()).Take()
}

// Reload replaces the limiter configuration at runtime.
func (l *FunnelLimiter) Reload(limit int) {
	limiter := ratelimit.New(limit)
	l.limiter.Store(&limiter)
}
