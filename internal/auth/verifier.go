package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Caller is the authenticated identity behind an API request.
type Caller struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verifier validates bearer tokens against a cached JWKS endpoint.
type Verifier struct {
	jwksURL string
	cache   *jwk.Cache
}

// NewVerifier registers the JWKS URL and warms the key cache.
func NewVerifier(jwksURL string) (*Verifier, error) {
	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}

	return &Verifier{jwksURL: jwksURL, cache: cache}, nil
}

func (v *Verifier) keySet(ctx context.Context) (jwk.Set, error) {
	set, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return set, nil
}

// CallerFromRequest parses and validates the Authorization bearer token.
func (v *Verifier) CallerFromRequest(r *http.Request) (*Caller, error) {
	set, err := v.keySet(r.Context())
	if err != nil {
		return nil, fmt.Errorf("load key set: %w", err)
	}

	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	caller := &Caller{ID: token.Subject()}
	if caller.ID == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	if emailClaim, ok := token.Get("email"); ok {
		caller.Email, _ = emailClaim.(string)
	}
	return caller, nil
}
