// Package auth guards the monitoring read API with HS256 bearer tokens.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Middleware validates Authorization bearer tokens on every request. When
// verification is disabled (local development) requests pass through.
type Middleware struct {
	secret  []byte
	enabled bool
	logger  *zap.Logger
}

// NewMiddleware creates a new auth Middleware.
func NewMiddleware(secret string, enabled bool, logger *zap.Logger) *Middleware {
	return &Middleware{
		secret:  []byte(secret),
		enabled: enabled,
		logger:  logger.Named("auth"),
	}
}

// Wrap returns a handler that rejects requests without a valid token.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		if err := m.verify(token); err != nil {
			m.logger.Warn("Rejected request with invalid token",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) verify(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("token is not valid")
	}
	return nil
}

func extractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("Authorization header is not a bearer token")
	}
	return strings.TrimPrefix(header, prefix), nil
}
