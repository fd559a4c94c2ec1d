// Package middleware wraps the tool router's CallTool entry point with
// cross-cutting concerns — rate limiting and metrics recording — the same
// way the teacher wraps its provider.ToolProvider, generalized from "wrap a
// pluggable provider registry" down to "wrap the one CallTool signature"
// since this gateway has a single dispatch entry point, not a registry of
// independently pluggable tool providers.
package middleware

import (
	"context"

	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// CallFunc matches toolrouter.Router.CallTool's signature minus the
// CallOptions parameter, which callers bind via closure before the chain is
// built. Keeping the signature tool-router-shaped rather than defining a new
// interface means that one closure is all Chain.Apply needs to wrap the
// router.
type CallFunc func(ctx context.Context, name string, args map[string]any) (xiaozhi.ToolCallResult, error)

// Middleware wraps a CallFunc to add behavior before/after the next
// CallFunc in the chain.
type Middleware func(next CallFunc) CallFunc

// Chain holds an ordered list of middleware to apply around a CallFunc.
type Chain struct {
	middleware []Middleware
}

// NewChain creates a new middleware chain from the given middleware, applied
// in the order given: the first middleware listed is the outermost wrapper.
func NewChain(middleware ...Middleware) *Chain {
	return &Chain{middleware: middleware}
}

// Use appends middleware to the end of the chain.
func (c *Chain) Use(mw Middleware) *Chain {
	c.middleware = append(c.middleware, mw)
	return c
}

// Apply wraps fn with every middleware in the chain, outermost first.
func (c *Chain) Apply(fn CallFunc) CallFunc {
	wrapped := fn
	for i := len(c.middleware) - 1; i >= 0; i-- {
		wrapped = c.middleware[i](wrapped)
	}
	return wrapped
}

// Len returns the number of middleware in the chain.
func (c *Chain) Len() int {
	return len(c.middleware)
}
