package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/exchange"
	"github.com/portcullis/gateway/internal/gwerrors"
	"github.com/portcullis/gateway/internal/logging"
	"github.com/portcullis/gateway/internal/middleware"
)

// Authenticator validates bearer tokens and produces the request principal.
type Authenticator struct {
	keyFunc    jwt.Keyfunc
	issuer     string
	audience   []string
	rolesClaim string
	bypass     map[string]bool
}

// NewAuthenticator creates a JWT authenticator. keyFunc usually comes from a
// JWKSProvider; tests may pass a static key func.
func NewAuthenticator(cfg config.JWTConfig, keyFunc jwt.Keyfunc) *Authenticator {
	bypass := make(map[string]bool, len(cfg.UnauthenticatedPaths))
	for _, p := range cfg.UnauthenticatedPaths {
		bypass[p] = true
	}
	rolesClaim := cfg.RolesClaim
	if rolesClaim == "" {
		rolesClaim = "roles"
	}
	return &Authenticator{
		keyFunc:    keyFunc,
		issuer:     cfg.IssuerURI,
		audience:   cfg.Audience,
		rolesClaim: rolesClaim,
		bypass:     bypass,
	}
}

// Authenticate verifies the bearer token and returns the principal.
func (a *Authenticator) Authenticate(r *http.Request) (*exchange.Principal, error) {
	tokenString := extractBearer(r)
	if tokenString == "" {
		return nil, fmt.Errorf("bearer token not provided")
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if len(a.audience) > 0 {
		opts = append(opts, jwt.WithAudience(a.audience[0]))
	}

	token, err := jwt.Parse(tokenString, a.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	username := ""
	if pu, ok := claims["preferred_username"].(string); ok && pu != "" {
		username = pu
	} else if sub, _ := claims.GetSubject(); sub != "" {
		username = sub
	}
	if username == "" {
		return nil, fmt.Errorf("token carries no subject")
	}

	claimsMap := make(map[string]interface{}, len(claims))
	for k, v := range claims {
		claimsMap[k] = v
	}

	return &exchange.Principal{
		Username: username,
		Roles:    extractRoles(claims, a.rolesClaim),
		Claims:   claimsMap,
	}, nil
}

// Bypassed reports whether the path is served without authentication.
func (a *Authenticator) Bypassed(path string) bool {
	return a.bypass[path]
}

// Middleware authenticates every request except the unauthenticated paths.
// Failures produce a 401 envelope and never reach the upstream.
func (a *Authenticator) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			principal, err := a.Authenticate(r)
			if err != nil {
				logging.Debug("authentication failed",
					zap.String("path", r.URL.Path), zap.Error(err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
				gwerrors.ErrUnauthorized.WriteJSON(w, r)
				return
			}

			if ex := exchange.FromRequest(r); ex != nil {
				ex.Principal = principal
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearer pulls the token out of the Authorization header.
func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}

// extractRoles reads the role list from the named claim. The claim may be a
// JSON array or a single string; anything else yields no roles.
func extractRoles(claims jwt.MapClaims, rolesClaim string) []string {
	raw, ok := claims[rolesClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
		return roles
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
