package web

import (
	"context"
	"net"
	"net/http"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// WithRequestMetadata adds the client IP and User-Agent to ctx so jobs and
// audit entries created under it are stamped with them.
func WithRequestMetadata(ctx context.Context, r *http.Request) context.Context {
	ip := r.RemoteAddr // rewritten by TrustedRealIP
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	ctx = core.ContextWithIPAddress(ctx, ip)
	ctx = core.ContextWithUserAgent(ctx, r.Header.Get("User-Agent"))
	return ctx
}
