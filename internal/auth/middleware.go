package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxToken
	ctxRemoteIP
)

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestToken returns the bearer credential the request authenticated
// with, or "".
func RequestToken(ctx context.Context) string {
	v, _ := ctx.Value(ctxToken).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// RemoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// WithUserID returns a context carrying an authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// Middleware returns HTTP middleware that accepts either a session token
// issued by store or a configured API key. Unauthenticated requests get
// a 401.
func Middleware(store *Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := RemoteIP(r)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="reelsync"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			var userID string

			if strings.HasPrefix(token, APIKeyPrefix) {
				if ak := store.ValidateAPIKey(token); ak != nil {
					userID = ak.UserID
				}
			} else if ti := store.ValidateToken(token); ti != nil {
				userID = ti.UserID
			}

			if userID == "" {
				logger.Debug("middleware: invalid credential",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="reelsync", error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxToken, token)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
