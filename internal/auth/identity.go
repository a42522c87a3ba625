package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultIdentityTimeout = 5 * time.Second

// IdentityAuthEngine forwards the bearer token to an external identity
// service. A 200 response means the token is valid; the body may carry a
// JSON object with a "sub" field naming the user.
type IdentityAuthEngine struct {
	url    string
	client *http.Client
}

func NewIdentityAuthEngine(url string, client *http.Client) *IdentityAuthEngine {
	if client == nil {
		client = &http.Client{Timeout: defaultIdentityTimeout}
	}
	return &IdentityAuthEngine{url: url, client: client}
}

func (e *IdentityAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return nil, nil
	}

	rq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build identity request: %w", err)
	}
	rq.Header.Set("Authorization", BearerPrefix+raw)
	rq.Header.Set("Accept", "application/json")

	rs, err := e.client.Do(rq)
	if err != nil {
		return nil, fmt.Errorf("call identity service: %w", err)
	}
	defer rs.Body.Close()

	switch {
	case rs.StatusCode == http.StatusOK:
	case rs.StatusCode == http.StatusUnauthorized || rs.StatusCode == http.StatusForbidden:
		return nil, nil
	default:
		return nil, fmt.Errorf("identity service returned %s", rs.Status)
	}

	var identity struct {
		Subject string `json:"sub"`
	}

	// The body is optional; anything that is not a JSON object leaves the
	// subject empty.
	body, err := io.ReadAll(io.LimitReader(rs.Body, 64*1024))
	if err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &identity)
	}

	return &User{Subject: identity.Subject}, nil
}
