package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingSecret is returned when a JWT verifier or issuer is built without a key.
var ErrMissingSecret = errors.New("jwt secret is required")

// Claims is the token payload minted by the account service: the identity
// fields plus the registered JWT claims.
type Claims struct {
	ID       ClaimID `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// ClaimID is the identity ID claim. The account service signs it as a JSON
// number (the users table key); tokens minted here carry a string. Both decode.
type ClaimID string

// UnmarshalJSON accepts a string or an integer.
func (c *ClaimID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ClaimID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id claim must be a string or number: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("id claim must be an integer: %w", err)
	}
	*c = ClaimID(n.String())
	return nil
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// Verify parses and validates token, returning the identity it names.
// Every failure wraps ErrAuthenticationRejected.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrAuthenticationRejected)
	}

	parsed, err := v.parser.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: token expired", ErrAuthenticationRejected)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthenticationRejected, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrAuthenticationRejected)
	}
	if claims.ID == "" || claims.Username == "" {
		return Identity{}, fmt.Errorf("%w: token has no identity", ErrAuthenticationRejected)
	}

	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrAuthenticationRejected, role)
	}

	return Identity{ID: string(claims.ID), Username: claims.Username, Role: role}, nil
}

// Issuer mints tokens the JWTVerifier accepts. The production account service
// issues its own tokens; this exists for chatctl and tests.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. A zero ttl produces tokens without expiry,
// which matches what the account service hands out.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for id.
func (i *Issuer) Issue(id Identity) (string, error) {
	now := i.now()
	claims := Claims{
		ID:       ClaimID(id.ID),
		Username: id.Username,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
