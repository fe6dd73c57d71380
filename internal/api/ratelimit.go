package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/glmap/server/internal/gateway"
)

const (
	rateLimitExceededJSON = `{"error":"Rate limit exceeded","message":"Too many requests. Please try again later.","retry_after":%d}`
)

// RateLimitMiddleware limits each client IP to limit requests per window.
// Forwarding headers are honoured only from the proxies trusted by proxies.
func RateLimitMiddleware(limit int, window time.Duration, proxies *gateway.ProxyTrust) func(http.Handler) http.Handler {
	store := memory.NewStore()
	rate := limiter.Rate{
		Period: window,
		Limit:  int64(limit),
	}

	instance := limiter.New(store, rate)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := proxies.ClientIP(r)

			context, err := instance.Get(r.Context(), key)
			if err != nil {
				// Fail open.
				log.Printf("[API] Rate limiter error: %v", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(context.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(context.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(context.Reset, 10))

			if context.Reached {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				retryAfter := max(int(time.Until(time.Unix(context.Reset, 0)).Seconds()), 0)
				if _, err := fmt.Fprintf(w, rateLimitExceededJSON, retryAfter); err != nil {
					log.Printf("[API] Error writing rate limit response: %v", err)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
