package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrMissingToken is returned when the handshake carries no credential
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned for malformed tokens, bad signatures and missing claims
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when now is past the token's expiry timestamp
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the payload of a handshake token.
// ExpiryTimestamp is in Unix milliseconds.
type Claims struct {
	UserID          string   `json:"userid"`
	Role            string   `json:"role"`
	ExpiryTimestamp int64    `json:"expiryTimestamp"`
	Permissions     []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Expiry returns the expiry as a time.Time
func (c *Claims) Expiry() time.Time {
	return time.UnixMilli(c.ExpiryTimestamp)
}

// HasPermission reports whether the token grants permission p
func (c *Claims) HasPermission(p string) bool {
	for _, granted := range c.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// Config holds token signing settings
type Config struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

// DefaultConfig returns default token configuration. Secret must be set by the caller.
func DefaultConfig() Config {
	return Config{
		Issuer: "timergate",
		TTL:    12 * time.Hour,
	}
}

// Verifier validates handshake tokens
type Verifier struct {
	secret []byte
	clock  clockwork.Clock
}

// NewVerifier creates a verifier for HMAC-SHA256 tokens signed with secret
func NewVerifier(secret string, clock clockwork.Clock) *Verifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Verifier{secret: []byte(secret), clock: clock}
}

// Verify checks signature and expiry and returns the token claims
func (v *Verifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: userid claim is empty", ErrInvalidToken)
	}
	if claims.ExpiryTimestamp <= 0 {
		return nil, fmt.Errorf("%w: expiryTimestamp claim is missing", ErrInvalidToken)
	}
	if v.clock.Now().After(claims.Expiry()) {
		return nil, ErrTokenExpired
	}

	return claims, nil
}

// Issuer mints handshake tokens
type Issuer struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
}

// NewIssuer creates a token issuer
func NewIssuer(config Config, clock clockwork.Clock) *Issuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{secret: []byte(config.Secret), issuer: config.Issuer, clock: clock}
}

// Issue signs a token for userID valid for ttl
func (i *Issuer) Issue(userID, role string, permissions []string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := i.clock.Now()
	exp := now.Add(ttl)

	claims := Claims{
		UserID:          userID,
		Role:            role,
		ExpiryTimestamp: exp.UnixMilli(),
		Permissions:     permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   i.issuer,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
