package fetch

import (
	"math/rand"
	"net/http"
	"time"
)

// Policy decides how many attempts a fetch gets and how long to wait
// between them.
type Policy struct {
	// Base is the delay after the first failed attempt; it doubles with
	// each further attempt.
	// Default: 5s
	Base time.Duration

	// MaxAttempts is the total number of requests per task.
	// Default: 5
	MaxAttempts int

	// MaxJitter bounds the uniform jitter added to every delay.
	// Default: 1s
	MaxJitter time.Duration

	// ExtraMin and ExtraMax bound the uniform extra delay added after a
	// 502, 503 or 504 response.
	// Default: 5s and 15s
	ExtraMin time.Duration
	ExtraMax time.Duration

	// RenamePause replaces the exponential delay after a failed rename.
	// Default: 1s
	RenamePause time.Duration
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		Base:        5 * time.Second,
		MaxAttempts: 5,
		MaxJitter:   time.Second,
		ExtraMin:    5 * time.Second,
		ExtraMax:    15 * time.Second,
		RenamePause: time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	if p.ExtraMax < p.ExtraMin {
		p.ExtraMax = p.ExtraMin
	}
	if p.RenamePause <= 0 {
		p.RenamePause = def.RenamePause
	}
	return p
}

// Delay returns the wait after attempt (1-based) failed with err:
// Base*2^(attempt-1) plus jitter in [0, MaxJitter), plus an extra
// [ExtraMin, ExtraMax) for gateway and availability errors. Rename
// failures wait RenamePause instead.
func (p Policy) Delay(attempt int, err *Error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if err != nil && err.Kind == KindRename {
		return p.RenamePause
	}

	d := p.Base << (attempt - 1)
	d += uniform(0, p.MaxJitter)

	if err != nil && isGatewayStatus(err.StatusCode) {
		d += uniform(p.ExtraMin, p.ExtraMax)
	}
	return d
}

// MaxDelay is the upper bound of Delay for attempt.
func (p Policy) MaxDelay(attempt int, statusCode int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base<<(attempt-1) + p.MaxJitter
	if isGatewayStatus(statusCode) {
		d += p.ExtraMax
	}
	return d
}

func isGatewayStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// uniform returns a duration in [lo, hi), or lo when the range is empty.
func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}
