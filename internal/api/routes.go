package api

import (
	"net/http"

	"github.com/glmap/server/internal/auth"
	"github.com/glmap/server/internal/config"
	"github.com/glmap/server/internal/gateway"
)

// SetupRoutes registers the HTTP API and the websocket endpoint on mux.
// Every /api route and the /ws upgrade are rate limited per client IP. The
// routes that change chunks or bans also require a service token.
func SetupRoutes(mux *http.ServeMux, cfg *config.Config, handlers *Handlers, ws http.Handler, proxies *gateway.ProxyTrust) {
	apiLimit := RateLimitMiddleware(cfg.Server.APIRateLimit, cfg.Server.RateLimitWindow, proxies)
	wsLimit := RateLimitMiddleware(cfg.Server.WSRateLimit, cfg.Server.RateLimitWindow, proxies)

	tokens := auth.NewTokenService(cfg)
	admin := func(h http.HandlerFunc) http.Handler {
		return apiLimit(tokens.Middleware(h))
	}

	mux.HandleFunc("GET /health", handlers.Health)
	if ws != nil {
		mux.Handle("GET /ws", wsLimit(ws))
	}

	mux.Handle("GET /api/stats", apiLimit(http.HandlerFunc(handlers.Stats)))
	mux.Handle("POST /api/worlds/{world}/chunks", admin(handlers.IngestChunk))
	mux.Handle("POST /api/worlds/{world}/purge", admin(handlers.PurgeChunks))
	mux.Handle("POST /api/bans", admin(handlers.CreateBan))
	mux.Handle("DELETE /api/bans", admin(handlers.DeleteBan))
}

// NewRouter builds the server's root handler: the routes of SetupRoutes
// behind the security header and CORS middleware.
func NewRouter(cfg *config.Config, handlers *Handlers, ws http.Handler, proxies *gateway.ProxyTrust) http.Handler {
	mux := http.NewServeMux()
	SetupRoutes(mux, cfg, handlers, ws, proxies)
	return SecurityHeadersMiddleware(cfg.TLS.Enabled)(CORSMiddleware(cfg.Server.AllowedOrigins)(mux))
}
