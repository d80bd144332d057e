package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return privateKey
}

func newJWKSServer(t *testing.T, publicKey rsa.PublicKey, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	jwk := map[string]string{
		"kty": "RSA",
		"alg": "RS256",
		"kid": "test-key",
		"use": "sig",
		"n":   encodeBigInt(publicKey.N),
		"e":   encodeBigInt(publicKey.E),
	}
	jwksResponse := map[string]any{
		"keys": []any{jwk},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		_ = json.NewEncoder(w).Encode(jwksResponse)
	}))
	t.Cleanup(server.Close)
	return server
}

func signIdentityToken(t *testing.T, privateKey *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signedToken, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signedToken
}

func TestAppleVerifierValidatesTokenUsingJWKS(t *testing.T) {
	privateKey := newSigningKey(t)
	jwksServer := newJWKSServer(t, privateKey.PublicKey, nil)

	now := time.Now().UTC()
	signedToken := signIdentityToken(t, privateKey, jwt.MapClaims{
		"aud":            "com.lecternlabs.lectern",
		"iss":            AppleIssuer,
		"sub":            "001234.abcdef",
		"exp":            now.Add(5 * time.Minute).Unix(),
		"iat":            now.Unix(),
		"email":          "reader@example.com",
		"email_verified": "true",
	})

	verifier, err := NewAppleVerifier(AppleVerifierConfig{
		Audience:   "com.lecternlabs.lectern",
		JWKSURL:    jwksServer.URL,
		HTTPClient: jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	verified, err := verifier.Verify(context.Background(), signedToken)
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
	if verified.Subject != "001234.abcdef" {
		t.Fatalf("unexpected subject %s", verified.Subject)
	}
	if verified.Audience != "com.lecternlabs.lectern" {
		t.Fatalf("unexpected audience %s", verified.Audience)
	}
	if verified.Email != "reader@example.com" {
		t.Fatalf("unexpected email %s", verified.Email)
	}
	// Apple serializes this claim as the string "true".
	if !verified.EmailVerified {
		t.Fatalf("expected email_verified to parse as true")
	}
}

func TestAppleVerifierRejectsWrongAudience(t *testing.T) {
	privateKey := newSigningKey(t)
	jwksServer := newJWKSServer(t, privateKey.PublicKey, nil)

	now := time.Now().UTC()
	signedToken := signIdentityToken(t, privateKey, jwt.MapClaims{
		"aud": "com.example.other",
		"iss": AppleIssuer,
		"sub": "001234.abcdef",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	})

	verifier, err := NewAppleVerifier(AppleVerifierConfig{
		Audience:   "com.lecternlabs.lectern",
		JWKSURL:    jwksServer.URL,
		HTTPClient: jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if _, err := verifier.Verify(context.Background(), signedToken); err == nil {
		t.Fatalf("expected verification to fail for mismatched audience")
	}
}

func TestAppleVerifierRejectsWrongIssuer(t *testing.T) {
	privateKey := newSigningKey(t)
	jwksServer := newJWKSServer(t, privateKey.PublicKey, nil)

	now := time.Now().UTC()
	signedToken := signIdentityToken(t, privateKey, jwt.MapClaims{
		"aud": "com.lecternlabs.lectern",
		"iss": "https://accounts.google.com",
		"sub": "001234.abcdef",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	})

	verifier, err := NewAppleVerifier(AppleVerifierConfig{
		Audience:   "com.lecternlabs.lectern",
		JWKSURL:    jwksServer.URL,
		HTTPClient: jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if _, err := verifier.Verify(context.Background(), signedToken); !errors.Is(err, errUntrustedIssuer) {
		t.Fatalf("expected untrusted issuer error, got %v", err)
	}
}

func TestAppleVerifierCachesSigningKeys(t *testing.T) {
	privateKey := newSigningKey(t)
	var requests atomic.Int64
	jwksServer := newJWKSServer(t, privateKey.PublicKey, &requests)

	verifier, err := NewAppleVerifier(AppleVerifierConfig{
		Audience:   "com.lecternlabs.lectern",
		JWKSURL:    jwksServer.URL,
		HTTPClient: jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		signedToken := signIdentityToken(t, privateKey, jwt.MapClaims{
			"aud": "com.lecternlabs.lectern",
			"iss": AppleIssuer,
			"sub": "001234.abcdef",
			"exp": now.Add(5 * time.Minute).Unix(),
			"iat": now.Unix(),
		})
		if _, err := verifier.Verify(context.Background(), signedToken); err != nil {
			t.Fatalf("unexpected verification error: %v", err)
		}
	}

	if got := requests.Load(); got != 1 {
		t.Fatalf("expected a single JWKS fetch within the cache TTL, got %d", got)
	}
}

func TestNewAppleVerifierRequiresAudience(t *testing.T) {
	_, err := NewAppleVerifier(AppleVerifierConfig{})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingAudienceConfig.Error()) {
		t.Fatalf("expected audience validation error to be reported, got %v", err)
	}
}

func TestAppleBoolAcceptsBothForms(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{`true`, true},
		{`"true"`, true},
		{`false`, false},
		{`"false"`, false},
	}
	for _, tc := range cases {
		var value appleBool
		if err := json.Unmarshal([]byte(tc.raw), &value); err != nil {
			t.Fatalf("unexpected decode error for %s: %v", tc.raw, err)
		}
		if bool(value) != tc.want {
			t.Fatalf("expected %s to decode as %v", tc.raw, tc.want)
		}
	}

	var value appleBool
	if err := json.Unmarshal([]byte(`"maybe"`), &value); err == nil {
		t.Fatalf("expected decode error for unexpected form")
	}
}

func encodeBigInt(value interface{}) string {
	switch v := value.(type) {
	case *big.Int:
		return base64.RawURLEncoding.EncodeToString(v.Bytes())
	case int:
		return encodeBigInt(int64(v))
	case int64:
		return base64.RawURLEncoding.EncodeToString(big.NewInt(v).Bytes())
	case uint64:
		return base64.RawURLEncoding.EncodeToString(new(big.Int).SetUint64(v).Bytes())
	default:
		return ""
	}
}
