package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// RateLimitRule is a single tool's rate/burst override, settable
// programmatically by callers that need tool-specific limits; the config
// file itself only exposes one global rate (config.RateLimitConfig), since
// this gateway has no per-tool or per-caller rate policy to load from disk.
type RateLimitRule struct {
	Rate  float64
	Burst int
}

// RateLimiter is a rate-limiting Middleware with an optional per-tool
// override table layered on top of the global limit.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	perTool map[string]RateLimitRule

	mu           sync.Mutex
	global       *rate.Limiter
	toolLimiters map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter from the gateway's rate-limit config.
// perTool may be nil; pass overrides for tools known to need a stricter or
// looser limit than the global default.
func NewRateLimiter(cfg config.RateLimitConfig, perTool map[string]RateLimitRule) *RateLimiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 50
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		cfg:          config.RateLimitConfig{Enabled: cfg.Enabled, RequestsPerSecond: rps, Burst: burst},
		perTool:      perTool,
		global:       rate.NewLimiter(rate.Limit(rps), burst),
		toolLimiters: make(map[string]*rate.Limiter),
	}
}

// ErrRateLimited is returned in place of dispatching the wrapped CallFunc
// when a caller has exceeded its allowance.
var ErrRateLimited = errors.New("rate limit exceeded")

// Middleware returns the Middleware enforcing this limiter's rules. When the
// limiter's Enabled flag is false it returns a pass-through wrapper, so
// disabling rate limiting in config never requires removing it from a
// statically-built chain.
func (rl *RateLimiter) Middleware() Middleware {
	return func(next CallFunc) CallFunc {
		if !rl.cfg.Enabled {
			return next
		}
		return func(ctx context.Context, name string, args map[string]any) (xiaozhi.ToolCallResult, error) {
			if !rl.allow(name) {
				return xiaozhi.ToolCallResult{}, ErrRateLimited
			}
			return next(ctx, name, args)
		}
	}
}

func (rl *RateLimiter) allow(tool string) bool {
	if rule, ok := rl.perTool[tool]; ok {
		if !rl.toolLimiter(tool, rule).Allow() {
			return false
		}
	}
	return rl.global.Allow()
}

func (rl *RateLimiter) toolLimiter(tool string, rule RateLimitRule) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok := rl.toolLimiters[tool]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(rule.Rate), rule.Burst)
	rl.toolLimiters[tool] = l
	return l
}
