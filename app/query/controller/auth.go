package controller

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

func bearer(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// ValidateToken checks the bearer against the static admin token.
func (c *Controller) ValidateToken(r *http.Request) bool {
	token := bearer(r)
	return c.AdminToken != "" && token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(c.AdminToken)) == 1
}

// parseJWT returns the claims of a valid HS256 bearer token.
func (c *Controller) parseJWT(r *http.Request) (jwt.MapClaims, bool) {
	raw := bearer(r)
	if len(c.JWTSecret) == 0 || raw == "" {
		return nil, false
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) { return c.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return nil, false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	return claims, ok
}

// RequireAdmin accepts the admin token or a JWT whose role is admin.
func (c *Controller) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.ValidateToken(r) {
			next.ServeHTTP(w, r)
			return
		}
		claims, ok := c.parseJWT(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if role, _ := claims["role"].(string); role != "admin" {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// currentUser names the caller for audit logs. API tokens return "api-token".
func (c *Controller) currentUser(r *http.Request) string {
	if c.ValidateToken(r) {
		return "api-token"
	}
	if claims, ok := c.parseJWT(r); ok {
		if sub, _ := claims["sub"].(string); sub != "" {
			return sub
		}
	}
	return "unknown"
}
