// Package ratelimit provides the token-bucket limiter shared by all
// callers of one backend instance. A limiter can budget requests per
// second, bytes per second, or both; zero budgets mean unlimited.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Config defines per-backend rate budgets.
type Config struct {
	// RequestsPerSecond is the steady-state request rate. Zero disables
	// request limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// RequestBurst is the request burst allowance. Defaults to
	// max(1, RequestsPerSecond).
	RequestBurst int `yaml:"request_burst"`

	// BytesPerSecond is the steady-state download rate. Zero disables
	// byte limiting.
	BytesPerSecond float64 `yaml:"bytes_per_second"`

	// ByteBurst is the byte burst allowance. Defaults to one second's
	// worth of budget.
	ByteBurst int `yaml:"byte_burst"`
}

// Limiter is a token-bucket pair over requests and bytes. A nil *Limiter
// is valid and imposes no limits, so callers never need to branch.
type Limiter struct {
	requests *rate.Limiter
	bytes    *rate.Limiter
	byteCap  int
}

// New builds a Limiter from config. Returns nil when both budgets are
// unlimited.
func New(cfg Config) *Limiter {
	l := &Limiter{}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.RequestBurst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		l.requests = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.BytesPerSecond > 0 {
		burst := cfg.ByteBurst
		if burst <= 0 {
			burst = int(cfg.BytesPerSecond)
		}
		l.bytes = rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), burst)
		l.byteCap = burst
	}
	if l.requests == nil && l.bytes == nil {
		return nil
	}
	return l
}

// WaitRequest blocks until one request token is available.
func (l *Limiter) WaitRequest(ctx context.Context) error {
	if l == nil || l.requests == nil {
		return nil
	}
	return l.requests.Wait(ctx)
}

// WaitBytes blocks until n byte tokens are available. Requests larger than
// the burst window are admitted in burst-sized installments rather than
// rejected, so a single large chunk cannot deadlock against its own budget.
func (l *Limiter) WaitBytes(ctx context.Context, n int64) error {
	if l == nil || l.bytes == nil || n <= 0 {
		return nil
	}
	for n > 0 {
		take := n
		if take > int64(l.byteCap) {
			take = int64(l.byteCap)
		}
		if err := l.bytes.WaitN(ctx, int(take)); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Scaled derives a limiter with share (0,1] of this limiter's budgets, used
// to throttle prefetch below foreground traffic. A share of 1 or an
// unlimited parent returns nil: no extra gate.
func (l *Limiter) Scaled(cfg Config, share float64) *Limiter {
	if l == nil || share <= 0 || share >= 1 {
		return nil
	}
	return New(Config{
		RequestsPerSecond: cfg.RequestsPerSecond * share,
		BytesPerSecond:    cfg.BytesPerSecond * share,
	})
}
