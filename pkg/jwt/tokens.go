package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

// ErrWrongTokenUse is returned when a refresh token is presented where an access token is expected.
var ErrWrongTokenUse = errors.New("jwt: wrong token use")

// Claims defines JWT payload.
type Claims struct {
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	TokenUse string `json:"token_use"`
	jwtlib.RegisteredClaims
}

// Grant describes who a token is issued to.
type Grant struct {
	UserID   string
	ClientID string
	Scope    string
	Use      string
}

// GenerateToken issues a signed JWT with provided secret and ttl.
func GenerateToken(grant Grant, secret string, issuedAt time.Time, ttl time.Duration) (string, error) {
	use := grant.Use
	if use == "" {
		use = UseAccess
	}
	claims := Claims{
		UserID:   grant.UserID,
		ClientID: grant.ClientID,
		Scope:    grant.Scope,
		TokenUse: use,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "agent",
			Subject:   grant.UserID,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	return ParseAt(token, secret, time.Now())
}

// ParseAt validates the token as of the given instant.
func ParseAt(token string, secret string, now time.Time) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// ParseAccess is Parse restricted to access tokens.
func ParseAccess(token, secret string, now time.Time) (*Claims, error) {
	claims, err := ParseAt(token, secret, now)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != UseAccess {
		return nil, ErrWrongTokenUse
	}
	return claims, nil
}
