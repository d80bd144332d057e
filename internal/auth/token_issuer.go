package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * 24 * time.Hour

	bearerPrefix = "Bearer "
	// queryTokenParameter lets EventSource clients authenticate; the
	// browser API cannot set request headers.
	queryTokenParameter = "access_token"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingDeviceClaim   = errors.New("device claim must be provided")

	// ErrMissingSessionToken indicates the request carried no token at all.
	ErrMissingSessionToken = errors.New("auth: session token required")
	// ErrInvalidSessionToken indicates a token that failed validation.
	ErrInvalidSessionToken = errors.New("auth: invalid session token")
	// ErrExpiredSessionToken indicates a token past its expiry.
	ErrExpiredSessionToken = errors.New("auth: session token expired")
)

// SessionClaims is the payload of a backend session token: the user in
// Subject plus the device the token was issued to.
type SessionClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the backend JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates backend JWTs. Tokens are minted after
// Apple identity verification and carry both the user and the device, so
// every protected operation knows which device is acting.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		tokenTTL:      ttl,
		clock:         clock,
	}
}

// IssueSessionToken produces a signed JWT and its lifetime in seconds for
// the verified user and device.
func (i *TokenIssuer) IssueSessionToken(_ context.Context, userID, deviceID string) (string, int64, error) {
	if len(i.signingSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	subject := strings.TrimSpace(userID)
	if subject == "" {
		return "", 0, errMissingSubjectClaim
	}
	device := strings.TrimSpace(deviceID)
	if device == "" {
		return "", 0, errMissingDeviceClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.tokenTTL).UTC()

	claims := SessionClaims{
		DeviceID: device,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the backend JWT is well formed and returns its claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (SessionClaims, error) {
	if len(i.signingSecret) == 0 {
		return SessionClaims{}, errMissingSigningSecret
	}
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return SessionClaims{}, errMissingSubjectClaim
	}
	if strings.TrimSpace(claims.DeviceID) == "" {
		return SessionClaims{}, errMissingDeviceClaim
	}
	return *claims, nil
}

// ValidateRequest extracts the session token from the Authorization header,
// falling back to the access_token query parameter, and validates it.
func (i *TokenIssuer) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, bearerPrefix) {
		return i.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	if token := r.URL.Query().Get(queryTokenParameter); token != "" {
		return i.ValidateToken(token)
	}
	return SessionClaims{}, ErrMissingSessionToken
}
