package core

import (
	"context"
	"sync"

	"bringmehome/internal/types"
)

// MockAuthenticator is an Authenticator for tests. ResolveTokenFunc takes
// precedence; otherwise Err, then Actor, is returned.
//
//	auth := &MockAuthenticator{Actor: &types.Actor{UserID: "u1", IsSiteAdmin: true}}
type MockAuthenticator struct {
	Actor            *types.Actor
	Err              error
	ResolveTokenFunc func(ctx context.Context, token string) (*types.Actor, error)

	mu    sync.Mutex
	Calls []string
}

// ResolveToken implements Authenticator.
func (m *MockAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.ResolveTokenFunc != nil {
		return m.ResolveTokenFunc(ctx, token)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Actor, nil
}
