package rpc

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of a server issued session token when the server uses jwt tokens
// the client never verifies the token. It only reads the claims to know when to re-login.
type SessionTokenClaims struct {
	Subject   string
	UserId    int64
	ExpiresAt time.Time
}

func ParseSessionTokenUnverified(token string) (*SessionTokenClaims, error) {
	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := parsedToken.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("Unexpected claims type %T", parsedToken.Claims)
	}

	sessionTokenClaims := &SessionTokenClaims{}

	if subject, err := claims.GetSubject(); err == nil {
		sessionTokenClaims.Subject = subject
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		sessionTokenClaims.ExpiresAt = expiresAt.Time
	}
	if userId, ok := claims["user_id"]; ok {
		if v, ok := userId.(float64); ok {
			sessionTokenClaims.UserId = int64(v)
		}
	}

	return sessionTokenClaims, nil
}
