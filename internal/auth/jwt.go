// Package auth validates the bearer tokens issued by the authentication collaborator.
package auth

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims carries the trusted identity. user_id wins over sub when both are present.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`

	jwtlib.RegisteredClaims
}

// Identity returns the authenticated user id
func (c Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// HMACVerifier validates and issues HS256 tokens with a shared secret
type HMACVerifier struct {
	secret   []byte
	issuer   string
	tokenTTL time.Duration

	now func() time.Time
}

// NewHMACVerifier creates a verifier. An empty issuer accepts any iss claim.
func NewHMACVerifier(secret, issuer string, tokenTTL time.Duration) *HMACVerifier {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour // default
	}
	return &HMACVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		tokenTTL: tokenTTL,
		now:      time.Now,
	}
}

// Verify parses tokenString and returns the user id it was issued for
func (v *HMACVerifier) Verify(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrTokenMissing
	}

	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithTimeFunc(v.now),
		jwtlib.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(v.issuer))
	}

	var c Claims
	tok, err := jwtlib.NewParser(opts...).ParseWithClaims(tokenString, &c, func(*jwtlib.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	if !tok.Valid || c.Identity() == "" {
		return "", ErrTokenInvalid
	}
	return c.Identity(), nil
}

// Issue signs a token for userID. Used by local tooling and tests.
func (v *HMACVerifier) Issue(userID, email string) (string, error) {
	if len(v.secret) == 0 || userID == "" {
		return "", ErrTokenInvalid
	}

	now := v.now().UTC()
	c := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(v.tokenTTL)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, c).SignedString(v.secret)
}
