package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthEngine accepts HMAC-signed JWTs issued with a shared secret.
type JWTAuthEngine struct {
	secret []byte
}

func NewJWTAuthEngine(secret string) *JWTAuthEngine {
	return &JWTAuthEngine{secret: []byte(secret)}
}

// AuthenticateRequest validates the bearer token's signature and registered
// claims. Invalid tokens yield a nil user and no error.
func (e *JWTAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	if len(e.secret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}

	raw, ok := BearerToken(r)
	if !ok {
		return nil, nil
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return e.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, nil
	}

	return &User{Subject: claims.Subject}, nil
}
