package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/converge/converge/api/errcode"
	"github.com/converge/converge/internal/model"
)

type contextKey string

const identityContextKeyName contextKey = "identity"

func identityFromContext(ctx context.Context) model.Identity {
	id, _ := ctx.Value(identityContextKeyName).(model.Identity)
	return id
}

// auth wraps handler with bearer-token authentication: a token issued by
// the identity store, or the shared HTTP.Secret compared in constant
// time, attaching the resolved identity to the request context.
// Grounded on auth/htpasswd.go's credential-comparison idiom, adapted
// from basic auth to a single bearer-token header since the capability
// table has no notion of per-request scopes beyond repo ACLs.
func (s *server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, errcode.New(errcode.Forbidden, "missing bearer token"))
			return
		}

		if id, ok := s.identity.Authenticate(token); ok {
			next(w, r.WithContext(context.WithValue(r.Context(), identityContextKeyName, id)))
			return
		}

		if s.secret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) == 1 {
			id := model.Identity{Handle: "service"}
			next(w, r.WithContext(context.WithValue(r.Context(), identityContextKeyName, id)))
			return
		}

		writeError(w, errcode.New(errcode.Forbidden, "invalid bearer token"))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// responseHeadersMiddleware sets the configured static headers on every
// response, mirroring HTTP.Headers from cmd/registry's app wiring.
func responseHeadersMiddleware(headers http.Header, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, vs := range headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		logrus.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("handling request")
		next.ServeHTTP(w, r)
	})
}
