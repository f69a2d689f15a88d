package httpmw

import (
	"context"
	"net/http"
	"strings"
)

type clientIDKey struct{}

// UnknownClient is the identifier used when no forwarding header is present.
const UnknownClient = "unknown"

// ClientIdentifier derives the rate limit identity of a request: the first
// entry of X-Forwarded-For, then X-Real-IP, then UnknownClient.
//
// Both headers are client controlled unless the edge proxy overwrites them.
// Deployments that need a stronger identity must enforce it at the proxy.
func ClientIdentifier(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	return UnknownClient
}

// ClientID resolves ClientIdentifier once per request and stores it in the context.
func ClientID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithClientID(r.Context(), ClientIdentifier(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIDFromContext returns the stored identifier, or "" when ClientID has not run.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}

func WithClientID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIDKey{}, id)
}
