// Package auth turns a bearer token into the caller identity the bid API acts
// on. Tokens are HS256 JWTs issued by the account service.
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

// Roles
const (
	RoleBidder = "bidder"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

// ErrMissingToken is returned when a request carries no bearer token
var ErrMissingToken = errors.New("missing token")

// Claims are the JWT claims the services rely on
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller
type Identity struct {
	UserID string
	Role   string
}

// HasRole reports whether the caller holds one of roles
func (i Identity) HasRole(roles ...string) bool {
	for _, r := range roles {
		if strings.EqualFold(i.Role, r) {
			return true
		}
	}
	return false
}

// Authenticator signs and validates tokens with a shared secret
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// New creates an Authenticator
func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: "bidding-app", ttl: 24 * time.Hour}
}

// GenerateToken issues a token for userID with role
func (a *Authenticator) GenerateToken(userID, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses and verifies a token
func (a *Authenticator) ValidateToken(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is empty", jwt.ErrTokenInvalidClaims)
	}
	return &Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

// FromRequest validates the bearer token of r. The token is read from the
// Authorization header, or from the "token" query parameter when allowQuery is
// set (browsers cannot set headers on a WebSocket upgrade).
func (a *Authenticator) FromRequest(r *http.Request, allowQuery bool) (*Identity, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Split(h, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return nil, errors.New("invalid token format")
		}
		token = parts[1]
	} else if allowQuery {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, ErrMissingToken
	}
	return a.ValidateToken(token)
}

type ctxKey struct{}

// WithIdentity stores id in ctx
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by the middleware
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok
}
