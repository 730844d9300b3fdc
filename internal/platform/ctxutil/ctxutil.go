package ctxutil

import "context"

// Default guards against callers passing a nil context into adapters that
// build *http.Request values with it.
func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
