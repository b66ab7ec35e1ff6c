// Package auth verifies the credential exchanged at the WebSocket handshake.
// Tokens are HMAC-SHA256 JWTs carrying the user's identity; verification
// failure terminates the connection before any server-side state is created.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal bound to a connection.
type Identity struct {
	UserID   string
	Username string
}

// ErrInvalidToken is returned for any token that fails verification:
// bad signature, wrong algorithm, expired, or missing identity claims.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier validates handshake tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the given signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a JWT, returning the identity claims. Only
// HMAC signing methods are accepted; an RS256 token signed with the HMAC
// secret as a public key must not pass.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
	username, _ := claims["username"].(string)

	return Identity{UserID: userID, Username: username}, nil
}

// Authenticate verifies the token carried on an upgrade request. It is the
// ws.Authenticator implementation used by the server.
func (v *Verifier) Authenticate(r *http.Request) (string, string, error) {
	identity, err := v.Verify(FromRequest(r))
	if err != nil {
		return "", "", err
	}
	return identity.UserID, identity.Username, nil
}

// FromRequest extracts the handshake token from an upgrade request: the
// Authorization bearer header, or the "token" query parameter (browsers
// cannot set headers on WebSocket connections).
func FromRequest(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if strings.HasPrefix(bearer, "Bearer ") {
		return strings.TrimPrefix(bearer, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
