// Package auth verifies the bearer access tokens issued by the auth service
// and resolves them to hub identities.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	pkgerrors "github.com/pkg/errors"

	"github.com/Tyrowin/chathub/internal/hub"
	"github.com/Tyrowin/chathub/internal/store"
)

// TokenTypeRefresh marks refresh tokens, which are never accepted as access tokens.
const TokenTypeRefresh = "refresh"

// Claims is the payload of an access token.
type Claims struct {
	UserID    uint   `json:"uid"`
	TokenType string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// UserLookup resolves a user id to its stored record.
type UserLookup interface {
	FindUser(ctx context.Context, id uint) (store.User, error)
}

// Verifier validates HS256 access tokens with the secret shared with the auth service.
type Verifier struct {
	secret []byte
	users  UserLookup
	parser *jwt.Parser
}

// NewVerifier creates a Verifier.
func NewVerifier(secret string, users UserLookup) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		users:  users,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

// Authenticate returns the identity behind token, or an error matching
// hub.ErrUnauthorized when the token is missing, invalid, expired or names an
// unknown user.
func (v *Verifier) Authenticate(ctx context.Context, token string) (hub.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return hub.Identity{}, pkgerrors.Wrap(hub.ErrUnauthorized, "missing token")
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return hub.Identity{}, pkgerrors.Wrap(hub.ErrUnauthorized, "token expired")
		}
		return hub.Identity{}, pkgerrors.Wrap(hub.ErrUnauthorized, err.Error())
	}
	if claims.TokenType == TokenTypeRefresh {
		return hub.Identity{}, pkgerrors.Wrap(hub.ErrUnauthorized, "refresh token used as access token")
	}
	if claims.UserID == 0 {
		return hub.Identity{}, pkgerrors.Wrap(hub.ErrUnauthorized, "token has no user")
	}

	user, err := v.users.FindUser(ctx, claims.UserID)
	if errors.Is(err, store.ErrUserNotFound) {
		return hub.Identity{}, pkgerrors.Wrap(hub.ErrUnauthorized, "unknown user")
	}
	if err != nil {
		return hub.Identity{}, pkgerrors.Wrap(err, "error resolving token user")
	}

	return hub.Identity{UserID: user.ID, Username: user.Username}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer ..." header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
