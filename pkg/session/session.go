// Package session reads the identity carried by a session token.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/putto11262002/tripchat/pkg/chat"
)

const issuer = "tripchat"

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

// Identity parameterizes every protocol call of a session.
type Identity struct {
	UserID string
	Role   chat.Role
	Name   string
}

type Claims struct {
	UserID string    `json:"uid"`
	Role   chat.Role `json:"role"`
	Name   string    `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Role: c.Role, Name: c.Name}
}

func (c *Claims) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("%w: missing uid", ErrTokenInvalid)
	}
	if !c.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, c.Role)
	}
	return nil
}

// Issue signs a token for id valid for ttl.
func Issue(id Identity, ttl time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := &Claims{
		UserID: id.UserID,
		Role:   id.Role,
		Name:   id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    issuer,
		},
	}
	if err := claims.validate(); err != nil {
		return "", exp, err
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", exp, fmt.Errorf("SignedString: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the signature and expiry of token and returns its claims.
func Verify(token string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	switch {
	case err == nil && parsed.Valid:
		if err := claims.validate(); err != nil {
			return nil, err
		}
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}

// Parse reads the claims of a token without verifying its signature. The
// client cannot verify tokens minted by the server; it only needs to know
// who it is acting as. Expired tokens are rejected.
func Parse(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, ErrTokenInvalid
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	if err := claims.validate(); err != nil {
		return nil, err
	}
	return claims, nil
}
