package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/rpattn/dashdag/internal/kvstore"
	"github.com/rpattn/dashdag/internal/stateloader"
)

type ctxKey string

const stateLoaderKey ctxKey = "stateLoader"

// DataLoaderMiddleware attaches a request-scoped state loader to the request
// context, so every Select in the request shares one batching cache.
func DataLoaderMiddleware(store kvstore.Store, wait time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := stateloader.NewStateLoader(store, wait)
			ctx := WithStateLoader(r.Context(), loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithStateLoader returns a context carrying loader.
func WithStateLoader(ctx context.Context, loader *stateloader.StateLoader) context.Context {
	return context.WithValue(ctx, stateLoaderKey, loader)
}

// StateLoaderFromContext retrieves the state loader from context
func StateLoaderFromContext(ctx context.Context) *stateloader.StateLoader {
	if l, ok := ctx.Value(stateLoaderKey).(*stateloader.StateLoader); ok {
		return l
	}
	return nil
}
