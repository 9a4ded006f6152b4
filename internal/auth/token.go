// ABOUTME: JWT verification for socket connects and bridge node hellos
// ABOUTME: HS256 with a configurable secret; node tokens carry a scope claim

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWrongScope   = errors.New("token scope mismatch")
)

// Token scopes. Client tokens authenticate socket connects; node tokens are
// issued at pairing approval and authenticate bridge hellos.
const (
	ScopeClient = "client"
	ScopeNode   = "node"
)

// Claims is the verified identity extracted from a token.
type Claims struct {
	PrincipalID string // "sub"
	Scope       string // "scope", defaults to client for legacy tokens
}

// TokenVerifier verifies bearer tokens presented at connect time.
type TokenVerifier interface {
	Verify(tokenString string) (Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the principal ID and scope.
func (v *JWTVerifier) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	sub, ok := mapClaims["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	claims := Claims{PrincipalID: sub, Scope: ScopeClient}
	if scope, ok := mapClaims["scope"].(string); ok && scope != "" {
		claims.Scope = scope
	}
	return claims, nil
}

// VerifyScope verifies the token and additionally requires the given scope.
func (v *JWTVerifier) VerifyScope(tokenString, scope string) (Claims, error) {
	claims, err := v.Verify(tokenString)
	if err != nil {
		return Claims{}, err
	}
	if claims.Scope != scope {
		return Claims{}, fmt.Errorf("%w: have %q, need %q", ErrWrongScope, claims.Scope, scope)
	}
	return claims, nil
}

// Generate creates a token for the given principal with an expiry. Scope
// ScopeClient is implied when scope is empty.
func (v *JWTVerifier) Generate(principalID, scope string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
