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

const testKeyID = "test-key-1"

// TestClaims holds the identity a test token asserts: the subject, its tenant,
// and the roles checked by condition fulfillment and workflow step advancement.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Roles     []string
}

// tokenIssuer signs test JWTs with a fresh RSA key and serves the matching
// JWKS document so the server's auth middleware can verify them.
type tokenIssuer struct {
	privateKey *rsa.PrivateKey
	jwksServer *httptest.Server
	issuer     string
	audience   string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	ti := &tokenIssuer{
		privateKey: key,
		issuer:     "https://auth.test.assetcycle.dev",
		audience:   "assetcycle-test",
	}
	ti.jwksServer = httptest.NewServer(http.HandlerFunc(ti.serveJWKS))
	t.Cleanup(ti.jwksServer.Close)

	return ti
}

func (ti *tokenIssuer) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	pub := &ti.privateKey.PublicKey
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"keys": []map[string]any{{
			"kid": testKeyID,
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

// GenerateToken creates a signed JWT valid for one hour.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	return ti.sign(claims, time.Hour)
}

// GenerateExpiredToken creates a signed JWT that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	return ti.sign(claims, -time.Hour)
}

// sign issues a token whose expiry is now+validity; the issued-at time is
// backdated for negative validities so iat always precedes exp.
func (ti *tokenIssuer) sign(claims TestClaims, validity time.Duration) string {
	now := time.Now()
	issuedAt := now
	if validity < 0 {
		issuedAt = now.Add(2 * validity)
	}

	mapClaims := jwt.MapClaims{
		"iss":       ti.issuer,
		"aud":       ti.audience,
		"iat":       jwt.NewNumericDate(issuedAt),
		"exp":       jwt.NewNumericDate(now.Add(validity)),
		"sub":       claims.SubjectID,
		"tenant_id": claims.TenantID,
	}
	if len(claims.Roles) > 0 {
		// []any to match how the verifier sees decoded JSON.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(ti.privateKey)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// JWKSURL returns the URL of the JWKS endpoint served by this issuer.
func (ti *tokenIssuer) JWKSURL() string {
	return ti.jwksServer.URL
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
