package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "activator-test-key"
	testIssuer   = "https://auth.test.activator.dev"
	testAudience = "activator-test"
)

// TestClaims are the identity claims of a generated token. Empty fields are
// omitted, which is how tests build tokens that lack a tenant or subject.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer plays the identity provider: it signs RS256 tokens and
// publishes the verification key as a JWKS document.
type tokenIssuer struct {
	key        *rsa.PrivateKey
	jwksServer *httptest.Server
	issuer     string
	audience   string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	b64 := base64.RawURLEncoding.EncodeToString
	keySet, err := json.Marshal(map[string]any{"keys": []any{map[string]string{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   b64(key.N.Bytes()),
		"e":   b64(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode key set: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keySet)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{key: key, jwksServer: srv, issuer: testIssuer, audience: testAudience}
}

// claimEdit adjusts the registered claims before signing.
type claimEdit func(jwt.MapClaims)

func validFor(from time.Time, d time.Duration) claimEdit {
	return func(mc jwt.MapClaims) {
		mc["iat"] = jwt.NewNumericDate(from)
		mc["exp"] = jwt.NewNumericDate(from.Add(d))
	}
}

func issuedTo(audience string) claimEdit {
	return func(mc jwt.MapClaims) { mc["aud"] = audience }
}

func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.mint(c, validFor(time.Now(), time.Hour))
}

// GenerateExpiredToken returns a token whose hour of validity ended an
// hour ago, well outside the verifier's leeway.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.mint(c, validFor(time.Now().Add(-2*time.Hour), time.Hour))
}

func (ti *tokenIssuer) GenerateTokenForAudience(c TestClaims, audience string) string {
	return ti.mint(c, validFor(time.Now(), time.Hour), issuedTo(audience))
}

func (ti *tokenIssuer) mint(c TestClaims, edits ...claimEdit) string {
	mc := jwt.MapClaims{"iss": ti.issuer, "aud": ti.audience}
	for k, v := range c.Extra {
		mc[k] = v
	}
	if c.SubjectID != "" {
		mc["sub"] = c.SubjectID
	}
	if c.TenantID != "" {
		mc["tenant_id"] = c.TenantID
	}
	if len(c.Roles) > 0 {
		mc["roles"] = c.Roles
	}
	for _, edit := range edits {
		edit(mc)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("integration: sign token: " + err.Error())
	}
	return signed
}
