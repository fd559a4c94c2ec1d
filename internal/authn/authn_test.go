package authn

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/xzmcp/gateway/internal/config"
)

func TestChainAuthenticatesAnonymouslyWhenUnconfigured(t *testing.T) {
	c := New(config.AuthConfig{})
	require.False(t, c.Required())

	id, ok, err := c.Authenticate(context.Background(), Request{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "anonymous", id.Method)
}

func TestAPIKeyAuthenticatorAcceptsConfiguredKey(t *testing.T) {
	c := New(config.AuthConfig{APIKeys: []string{"secret-one", "secret-two"}})
	require.True(t, c.Required())

	id, ok, err := c.Authenticate(context.Background(), Request{
		Headers: map[string][]string{"X-API-Key": {"secret-two"}},
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "api_key", id.Method)
}

func TestAPIKeyAuthenticatorRejectsUnknownKey(t *testing.T) {
	c := New(config.AuthConfig{APIKeys: []string{"secret-one"}})

	_, ok, err := c.Authenticate(context.Background(), Request{
		Headers: map[string][]string{"X-API-Key": {"not-the-right-key"}},
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAPIKeyAuthenticatorRejectsMissingHeader(t *testing.T) {
	c := New(config.AuthConfig{APIKeys: []string{"secret-one"}})

	_, ok, err := c.Authenticate(context.Background(), Request{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJWTAuthenticatorAcceptsValidToken(t *testing.T) {
	secret := "super-secret"
	c := New(config.AuthConfig{JWT: config.JWTAuthConfig{Enabled: true, Secret: secret, Issuer: "xzgateway"}})

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"iss": "xzgateway",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)

	id, ok, err := c.Authenticate(context.Background(), Request{
		Headers: map[string][]string{"Authorization": {"Bearer " + signed}},
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "operator", id.Principal)
	require.Equal(t, "jwt", id.Method)
}

func TestJWTAuthenticatorRejectsExpiredToken(t *testing.T) {
	secret := "super-secret"
	c := New(config.AuthConfig{JWT: config.JWTAuthConfig{Enabled: true, Secret: secret}})

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)

	_, ok, err := c.Authenticate(context.Background(), Request{
		Headers: map[string][]string{"Authorization": {"Bearer " + signed}},
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJWTAuthenticatorRejectsWrongSigningSecret(t *testing.T) {
	c := New(config.AuthConfig{JWT: config.JWTAuthConfig{Enabled: true, Secret: "correct-secret"}})

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	_, ok, err := c.Authenticate(context.Background(), Request{
		Headers: map[string][]string{"Authorization": {"Bearer " + signed}},
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChainFallsThroughFromAPIKeyToJWT(t *testing.T) {
	secret := "super-secret"
	c := New(config.AuthConfig{
		APIKeys: []string{"some-key"},
		JWT:     config.JWTAuthConfig{Enabled: true, Secret: secret},
	})

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)

	id, ok, err := c.Authenticate(context.Background(), Request{
		Headers: map[string][]string{"Authorization": {"Bearer " + signed}},
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "jwt", id.Method)
}

func TestRequestHeaderReturnsEmptyForMissingKey(t *testing.T) {
	req := Request{Headers: map[string][]string{"X-Foo": {"bar"}}}
	require.Equal(t, "", req.Header("X-Missing"))
	require.Equal(t, "bar", req.Header("X-Foo"))
}
