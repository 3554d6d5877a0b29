// Package ratelimit provides the connect-rate limiter: a token-bucket
// design simplified to a single global bucket, since this system has no
// per-IP concept — there is no cross-host networking to rate-limit per
// peer.
package ratelimit

import (
	"golang.org/x/time/rate"
)

// ConnectLimiter throttles how fast a server instance processes
// connect_client calls.
type ConnectLimiter struct {
	limiter *rate.Limiter
}

// NewConnectLimiter creates a limiter allowing burst immediate connects and
// sustainedPerSecond thereafter.
func NewConnectLimiter(sustainedPerSecond float64, burst int) *ConnectLimiter {
	return &ConnectLimiter{limiter: rate.NewLimiter(rate.Limit(sustainedPerSecond), burst)}
}

// Allow reports whether the next connect_client call may proceed now.
func (l *ConnectLimiter) Allow() bool {
	return l.limiter.Allow()
}

// NotifyLimiter throttles outbound side-channel Notify calls. Notify is
// already lossy/best-effort, so dropping excess calls under this limiter
// is not a new failure mode.
type NotifyLimiter struct {
	limiter *rate.Limiter
}

// NewNotifyLimiter creates a Notify-call limiter.
func NewNotifyLimiter(sustainedPerSecond float64, burst int) *NotifyLimiter {
	return &NotifyLimiter{limiter: rate.NewLimiter(rate.Limit(sustainedPerSecond), burst)}
}

// Allow reports whether the next Notify call should actually be sent.
func (l *NotifyLimiter) Allow() bool {
	return l.limiter.Allow()
}
