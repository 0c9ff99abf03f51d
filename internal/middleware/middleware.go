package middleware

import (
	"context"

	"dispatch/internal/domain"
)

// Handler formats one alert for a given format id.
// Params: context, read-only alert, and format id.
// Returns: vendor payload or pipeline error.
type Handler func(ctx context.Context, alert *domain.EnrichedAlert, formatID string) (domain.FormattedPayload, error)

// Middleware decorates one handler with pre/post behavior.
// Params: downstream handler.
// Returns: wrapped handler with the same signature.
type Middleware func(next Handler) Handler

// Chain is an ordered middleware list applied around a base handler.
// Params: middlewares in registration order.
// Returns: composition where the first-registered middleware is outermost.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain from middlewares in registration order.
// Params: middleware list (may be empty).
// Returns: initialized chain.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: append([]Middleware(nil), middlewares...)}
}

// Use appends one middleware to the chain.
// Params: middleware to register.
// Returns: chain mutated in place.
func (c *Chain) Use(middleware Middleware) {
	if middleware == nil {
		return
	}
	c.middlewares = append(c.middlewares, middleware)
}

// Then wraps the base handler with all registered middlewares.
// Params: base handler.
// Returns: decorated handler; middlewares apply right-to-left so the
// first-registered one runs its pre-logic first and post-logic last.
func (c *Chain) Then(base Handler) Handler {
	wrapped := base
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		wrapped = c.middlewares[i](wrapped)
	}
	return wrapped
}
