package main

import (
	"crypto/subtle"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// APIKeyMiddleware guards every operation except the health probe with a
// shared-secret X-API-Key header. The comparison is constant-time.
func APIKeyMiddleware(api huma.API, apiKey string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if ctx.Operation().OperationID == "health" {
			next(ctx)
			return
		}
		presented := ctx.Header("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(ctx)
	}
}
