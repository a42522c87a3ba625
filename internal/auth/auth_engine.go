package auth

import (
	"context"
	"net/http"
	"strings"
)

const BearerPrefix = "Bearer "

// User identifies the caller behind a validated token.
type User struct {
	Subject string
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for a valid bearer
	// token. If valid, it returns a User object; otherwise, it returns nil.
	// An error is returned if there was an issue processing the
	// authentication.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < len(BearerPrefix) || !strings.EqualFold(header[:len(BearerPrefix)], BearerPrefix) {
		return "", false
	}

	token := strings.TrimSpace(header[len(BearerPrefix):])
	return token, token != ""
}

type userKey struct{}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the user stored by WithUser, if any.
func UserFrom(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userKey{}).(*User)
	return user, ok && user != nil
}
