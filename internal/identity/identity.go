// Package identity derives the local user identity from the platform
// credential. The credential is a JWT issued by the platform backend; only
// its claims are read here — verification happens server-side, this client
// just needs to know who it is when addressing decline notifications.
package identity

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errNoSubject = errors.New("credential has no user id claim")

// FromToken extracts the user ID from a platform JWT without verifying the
// signature. Returns an error on a corrupt or empty credential.
func FromToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("empty credential")
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", err
	}

	// Platform tokens carry the user id in "userId"; standard "sub" is the
	// fallback for tokens minted by older backends.
	if id, ok := claims["userId"].(string); ok && id != "" {
		return id, nil
	}
	if sub, _ := claims.GetSubject(); sub != "" {
		return sub, nil
	}
	return "", errNoSubject
}
