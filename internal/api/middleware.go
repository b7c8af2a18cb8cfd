package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/medrex/nuvora-ehr/pkg/logger"
	"github.com/medrex/nuvora-ehr/pkg/types"
)

type contextKey string

const (
	sessionKey  contextKey = "session"
	identityKey contextKey = "identity"
)

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds security headers
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates the bearer session token and resolves the wallet
// behind it. The session role always comes from the ledger, never from the
// token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, string(types.ErrorKindNotConnected), "missing authorization header", false)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.writeError(w, http.StatusUnauthorized, string(types.ErrorKindNotConnected), "invalid authorization header format", false)
			return
		}

		claims, err := s.tokens.Validate(parts[1])
		if err != nil {
			s.logger.WithContext(r.Context()).WithField("error", err.Error()).Warn("Session token rejected")
			s.writeError(w, http.StatusUnauthorized, string(types.ErrorKindNotConnected), "invalid session token", false)
			return
		}

		ctx := r.Context()
		session, id, err := s.svc.Resolver.Connect(ctx, claims.Subject)
		if err != nil {
			s.writeCoordError(w, r, err)
			return
		}
		session.RequestID = logger.RequestID(ctx)

		ctx = logger.WithAccount(ctx, session.Address.String())
		ctx = context.WithValue(ctx, sessionKey, session)
		ctx = context.WithValue(ctx, identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware applies the per-wallet rate limit
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		session := sessionFrom(r)
		if session == nil {
			s.writeError(w, http.StatusInternalServerError, string(types.ErrorKindInternal), "session not found in context", false)
			return
		}

		if !s.limiter.Allow(session.Address.String()) {
			s.logger.WithContext(r.Context()).Warn("Rate limit exceeded")
			w.Header().Set("Retry-After", "60")
			s.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", true)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func sessionFrom(r *http.Request) *types.Session {
	session, _ := r.Context().Value(sessionKey).(*types.Session)
	return session
}

func identityFrom(r *http.Request) *types.Identity {
	id, _ := r.Context().Value(identityKey).(*types.Identity)
	return id
}
