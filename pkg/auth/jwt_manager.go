// Package auth issues and validates operator tokens for the control API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrTokenRevoked = errors.New("token has been revoked")
	ErrNoSecret     = errors.New("jwt secret not configured")
)

// Operator roles.
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// JWTManager signs and validates HS256 operator tokens.
type JWTManager struct {
	secret  []byte
	ttl     time.Duration
	issuer  string
	revoked RevokedTokenStore
	now     func() time.Time
}

// JWTConfig configuration for JWT manager
type JWTConfig struct {
	Secret            string
	TTL               time.Duration
	Issuer            string
	RevokedTokenStore RevokedTokenStore
}

// OperatorClaims identifies the person issuing control commands.
type OperatorClaims struct {
	Operator string   `json:"operator"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role.
func (c *OperatorClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// NewJWTManager creates a new JWT manager instance
func NewJWTManager(config JWTConfig) (*JWTManager, error) {
	if config.Secret == "" {
		return nil, ErrNoSecret
	}
	if config.TTL == 0 {
		config.TTL = 12 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "pointerguard"
	}
	if config.RevokedTokenStore == nil {
		config.RevokedTokenStore = NewInMemoryRevokedStore()
	}
	return &JWTManager{
		secret:  []byte(config.Secret),
		ttl:     config.TTL,
		issuer:  config.Issuer,
		revoked: config.RevokedTokenStore,
		now:     time.Now,
	}, nil
}

// Issue creates a signed token for operator.
func (jm *JWTManager) Issue(operator string, roles ...string) (string, *OperatorClaims, error) {
	now := jm.now()
	claims := &OperatorClaims{
		Operator: operator,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jm.issuer,
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(now.Add(jm.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jm.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Validate parses tokenString and checks signature, expiry, issuer and
// revocation.
func (jm *JWTManager) Validate(ctx context.Context, tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return jm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(jm.issuer),
		jwt.WithTimeFunc(jm.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	revoked, err := jm.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Revoke invalidates a token until its natural expiry.
func (jm *JWTManager) Revoke(ctx context.Context, claims *OperatorClaims) error {
	return jm.revoked.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time)
}
