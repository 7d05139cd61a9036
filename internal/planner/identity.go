package planner

import (
	"errors"
	"fmt"
	"sync"

	"github.com/scalytics/pmdaemon/internal/provider"
)

// ErrIdentitiesExhausted is returned when every identity in the pool hit a
// rate limit within one planning call.
var ErrIdentitiesExhausted = errors.New("planner: all identities rate limited")

// Factory builds a client for one credential.
type Factory func(key string) (provider.LLMProvider, error)

// IdentityPool is the ordered list of oracle credentials. Clients are built
// lazily and reused.
type IdentityPool struct {
	keys    []string
	factory Factory

	mu      sync.Mutex
	clients map[int]provider.LLMProvider
}

// NewIdentityPool creates a pool over keys. At least one key is required.
func NewIdentityPool(keys []string, factory Factory) (*IdentityPool, error) {
	var clean []string
	for _, k := range keys {
		if k != "" {
			clean = append(clean, k)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("planner: identity pool needs at least one key")
	}
	return &IdentityPool{keys: clean, factory: factory, clients: map[int]provider.LLMProvider{}}, nil
}

// Len returns the number of identities.
func (p *IdentityPool) Len() int { return len(p.keys) }

// Handle returns a handle on identity start (modulo the pool size).
func (p *IdentityPool) Handle(start int) (Handle, error) {
	idx := ((start % len(p.keys)) + len(p.keys)) % len(p.keys)
	client, err := p.client(idx)
	if err != nil {
		return Handle{}, err
	}
	return Handle{pool: p, Index: idx, start: idx, Client: client}, nil
}

func (p *IdentityPool) client(idx int) (provider.LLMProvider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[idx]; ok {
		return c, nil
	}
	c, err := p.factory(p.keys[idx])
	if err != nil {
		return nil, fmt.Errorf("build client for identity %d: %w", idx, err)
	}
	p.clients[idx] = c
	return c, nil
}

// Handle is the identity a caller uses for one planning call. Rotating
// returns a new handle and leaves the receiver untouched.
type Handle struct {
	pool   *IdentityPool
	start  int
	Index  int
	Client provider.LLMProvider
}

// Rotate returns the handle for the next identity, or ErrIdentitiesExhausted
// once every identity since the first handle was tried.
func (h Handle) Rotate() (Handle, error) {
	next := (h.Index + 1) % len(h.pool.keys)
	if next == h.start {
		return Handle{}, ErrIdentitiesExhausted
	}
	client, err := h.pool.client(next)
	if err != nil {
		return Handle{}, err
	}
	return Handle{pool: h.pool, start: h.start, Index: next, Client: client}, nil
}
