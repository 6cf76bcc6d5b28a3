package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// NewMemoryStore returns a rate limit store local to this process.
func NewMemoryStore() limiter.Store {
	return memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          "bulkimport_rate",
		CleanUpInterval: time.Minute,
	})
}

// NewRedisStore returns a rate limit store shared by every instance using
// client.
func NewRedisStore(client redis.UniversalClient, prefix string) (limiter.Store, error) {
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: prefix + ":rate",
	})
}

// RateLimit limits requests per client IP to requestsPerMinute. name keeps
// the counters of separate limits apart when they share a store. Clients
// over the limit get 429 with Retry-After. A store failure lets the request
// through.
func RateLimit(store limiter.Store, name string, requestsPerMinute int) func(http.Handler) http.Handler {
	lim := limiter.New(store, limiter.Rate{Period: time.Minute, Limit: int64(requestsPerMinute)})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := name + ":" + clientIP(r)
			lctx, err := lim.Get(r.Context(), key)
			if err != nil {
				slog.Warn("ratelimit: store error, allowing request",
					"limit", name,
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

			if lctx.Reached {
				retry := time.Until(time.Unix(lctx.Reset, 0))
				if retry < time.Second {
					retry = time.Second
				}
				h.Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"Too many requests","message":"Too many requests","action":"Wait a minute and try again","code":"UPL007"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the address set by TrustedRealIP, without a port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
