package rpc

import (
	"context"

	"github.com/kbirk/hyperipc/pkg/value"
)

type Handler func(context.Context, *Request) (value.Value, error)
type Middleware func(context.Context, *Request, Handler) (value.Value, error)

func buildHandlerFunction(middleware []Middleware, final Handler) Handler {

	// start with the final handler
	chain := final

	// wrap from the innermost middleware outwards
	for i := len(middleware) - 1; i >= 0; i-- {
		m := middleware[i]
		next := chain
		chain = func(ctx context.Context, req *Request) (value.Value, error) {
			return m(ctx, req, next)
		}
	}

	return chain
}

func ApplyHandlerChain(ctx context.Context, req *Request, middleware []Middleware, final Handler) (value.Value, error) {
	fn := buildHandlerFunction(middleware, final)
	return fn(ctx, req)
}
