// Package authn guards the local control surface (spec §6) with the same
// authenticate-then-identify shape the teacher's internal/auth package uses
// for its tool-provider middleware, trimmed to what a single local HTTP API
// needs: a static API key list, or an optional JWT bearer verifier. RBAC,
// multi-tenant claims, the redis-backed key store, OAuth2 introspection, and
// JWKS rotation all belong to a multi-tenant MCP fleet, not a single
// operator's gateway, and are dropped (see DESIGN.md).
package authn

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xzmcp/gateway/internal/config"
)

// Identity is the minimal authenticated-principal record the control API
// needs: who, and how they got in. No roles/permissions/tenant — every
// authenticated caller of this single-operator surface is equally trusted.
type Identity struct {
	Principal string
	Method    string // "api_key", "jwt", or "anonymous"
	IssuedAt  time.Time
}

// AnonymousIdentity represents an unauthenticated caller, used when no
// AuthConfig is configured at all (the control API's default, matching the
// teacher's AllowAnonymous escape hatch).
func AnonymousIdentity() Identity {
	return Identity{Principal: "anonymous", Method: "anonymous", IssuedAt: time.Now()}
}

// Request carries exactly what an http.Request can give an authenticator,
// grounded on the teacher's auth.AuthRequest but narrowed to header lookup
// since this surface has no RBAC resource/action to resolve.
type Request struct {
	Headers map[string][]string
}

// Header returns the first value for key, matched case-insensitively, or "".
func (r Request) Header(key string) string {
	v := r.Headers[key]
	if len(v) == 0 {
		for k, vals := range r.Headers {
			if strings.EqualFold(k, key) {
				v = vals
				break
			}
		}
	}
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Authenticator validates a Request and returns the resulting Identity.
// ok is false when credentials were required and missing or invalid;
// err is reserved for unexpected failures (never a plain bad-credential).
type Authenticator interface {
	Authenticate(ctx context.Context, req Request) (id Identity, ok bool, err error)
}

// Chain tries each Authenticator in order, succeeding on the first supported
// match. An empty Chain authenticates every request anonymously — the
// control API is unauthenticated unless AuthConfig says otherwise.
type Chain struct {
	authenticators []Authenticator
}

// New builds a Chain from AuthConfig: a constant-time API key checker when
// APIKeys is non-empty, a JWT bearer verifier when JWT.Enabled. Both may be
// configured together; a request satisfying either is accepted.
func New(cfg config.AuthConfig) *Chain {
	c := &Chain{}
	if len(cfg.APIKeys) > 0 {
		c.authenticators = append(c.authenticators, NewAPIKeyAuthenticator(cfg.APIKeys))
	}
	if cfg.JWT.Enabled {
		c.authenticators = append(c.authenticators, NewJWTAuthenticator(cfg.JWT))
	}
	return c
}

// Required reports whether any authenticator is configured. When false, the
// control API should skip the auth middleware entirely rather than reject
// every request for lacking credentials.
func (c *Chain) Required() bool {
	return c != nil && len(c.authenticators) > 0
}

// Authenticate runs the configured authenticators in order and returns the
// first successful identity. With nothing configured it returns the
// anonymous identity and ok=true.
func (c *Chain) Authenticate(ctx context.Context, req Request) (Identity, bool, error) {
	if !c.Required() {
		return AnonymousIdentity(), true, nil
	}
	for _, a := range c.authenticators {
		id, ok, err := a.Authenticate(ctx, req)
		if err != nil {
			return Identity{}, false, err
		}
		if ok {
			return id, true, nil
		}
	}
	return Identity{}, false, nil
}

// APIKeyAuthenticator checks the X-API-Key header against a static,
// SHA-256-hashed allowlist, grounded on the teacher's HashAPIKey/
// ValidateAPIKey helpers but backed by the fixed list from config rather
// than a pluggable store — there is no key issuance flow on this surface.
type APIKeyAuthenticator struct {
	header string
	hashes [][]byte
}

// NewAPIKeyAuthenticator hashes every configured key once up front so
// Authenticate only ever does constant-time byte comparisons.
func NewAPIKeyAuthenticator(keys []string) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{header: "X-API-Key"}
	for _, k := range keys {
		if k == "" {
			continue
		}
		a.hashes = append(a.hashes, hashAPIKey(k))
	}
	return a
}

func hashAPIKey(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}

// Authenticate implements Authenticator.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, req Request) (Identity, bool, error) {
	raw := req.Header(a.header)
	if raw == "" {
		return Identity{}, false, nil
	}
	got := hashAPIKey(raw)
	for _, want := range a.hashes {
		if subtle.ConstantTimeCompare(got, want) == 1 {
			return Identity{Principal: "api-key", Method: "api_key", IssuedAt: time.Now()}, true, nil
		}
	}
	return Identity{}, false, nil
}

// JWTAuthenticator validates an HS256-signed bearer token against a single
// shared secret — the control API has one operator and one key, so the
// teacher's pluggable KeyProvider/kid-lookup machinery collapses to a
// static secret.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator builds a verifier from JWTAuthConfig.
func NewJWTAuthenticator(cfg config.JWTAuthConfig) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(cfg.Secret), issuer: cfg.Issuer}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, req Request) (Identity, bool, error) {
	header := req.Header("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Identity{}, false, nil
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	opts := []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{"HS256"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parser := jwt.NewParser(opts...)

	token, err := parser.Parse(raw, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, false, nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, false, nil
	}
	principal, _ := claims["sub"].(string)
	if principal == "" {
		principal = "jwt-bearer"
	}
	return Identity{Principal: principal, Method: "jwt", IssuedAt: time.Now()}, true, nil
}
