package main

import (
	"net/http"
)

// DataLoaderMiddleware creates middleware that injects dataloaders into the request context
func DataLoaderMiddleware(src profileBatcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// fresh loaders per request so cached profiles never outlive it
			ctx := WithDataLoaders(r.Context(), NewDataLoaders(src))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
