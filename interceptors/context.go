package interceptors

import (
	"context"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const (
	// runContextKey marks the goroutine that currently drives a chain
	runContextKey contextKey = "phasechain:interceptor:run"
)

// runToken identifies one drive of a chain, from DoIntercept or Resume until
// the chain completes, pauses or faults
type runToken struct {
	chain *PhaseInterceptorChain
}

func withRun(ctx context.Context, token *runToken) context.Context {
	return context.WithValue(ctx, runContextKey, token)
}

func runFromContext(ctx context.Context) (*runToken, bool) {
	token, ok := ctx.Value(runContextKey).(*runToken)
	return token, ok
}

// ChainFromContext returns the chain driving the current interceptor call
func ChainFromContext(ctx context.Context) (*PhaseInterceptorChain, bool) {
	token, ok := runFromContext(ctx)
	if !ok || token.chain == nil {
		return nil, false
	}
	return token.chain, true
}
