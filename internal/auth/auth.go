// Package auth turns the credential presented with a handshake or request
// into a chat.Identity. Tokens are HS256 JWTs minted by the main application.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tasklink/chat-realtime/internal/chat"
)

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	UserID     string `json:"userId"`
	IsProvider bool   `json:"isProvider"`
}

// Authenticator validates tokens.
type Authenticator struct {
	secret []byte
	issuer string
	cookie string
	now    func() time.Time
}

// New creates an Authenticator. An empty issuer skips the issuer check; an
// empty cookie name defaults to "token".
func New(secret, issuer, cookie string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("auth: secret is required")
	}
	if cookie == "" {
		cookie = "token"
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		cookie: cookie,
		now:    time.Now,
	}, nil
}

// Identify validates a raw token and returns the identity it carries.
// Every failure wraps chat.ErrUnauthorized.
func (a *Authenticator) Identify(token string) (chat.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return chat.Identity{}, fmt.Errorf("%w: missing token", chat.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return chat.Identity{}, fmt.Errorf("%w: %s", chat.ErrUnauthorized, describe(err))
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return chat.Identity{}, fmt.Errorf("%w: token has no user id", chat.ErrUnauthorized)
	}
	return chat.Identity{UserID: userID, IsProvider: claims.IsProvider}, nil
}

// FromRequest reads the token from the configured cookie, falling back to an
// "Authorization: Bearer" header.
func (a *Authenticator) FromRequest(r *http.Request) (chat.Identity, error) {
	if c, err := r.Cookie(a.cookie); err == nil && c.Value != "" {
		return a.Identify(c.Value)
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return a.Identify(token)
		}
	}
	return chat.Identity{}, fmt.Errorf("%w: no credential", chat.ErrUnauthorized)
}

// Issue mints a token for id. Used by the CLI client and tests.
func (a *Authenticator) Issue(id chat.Identity, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:     id.UserID,
		IsProvider: id.IsProvider,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return signed, nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "wrong issuer"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	default:
		return "invalid token"
	}
}
