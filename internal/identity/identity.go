package identity

import (
	"context"
	"errors"
	"sync"
)

// Roles recognized by the settlement routes.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ErrUnknownToken indicates the credential resolves to no principal.
var ErrUnknownToken = errors.New("unknown token")

// Principal is the authenticated caller as resolved by the external identity
// provider.
type Principal struct {
	UserID string
	Role   string
}

// Resolver is the narrow boundary to the identity provider. Token issuance
// and session management happen elsewhere; this subsystem only resolves a
// presented credential to a principal.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

// StaticResolver maps fixed tokens to principals. Used in dev mode and tests.
type StaticResolver struct {
	mu         sync.RWMutex
	principals map[string]Principal
}

// NewStaticResolver builds an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{principals: make(map[string]Principal)}
}

// Grant associates a token with a principal.
func (r *StaticResolver) Grant(token string, p Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.principals[token] = p
}

// Resolve looks up the token.
func (r *StaticResolver) Resolve(_ context.Context, token string) (Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.principals[token]
	if !ok {
		return Principal{}, ErrUnknownToken
	}
	return p, nil
}
