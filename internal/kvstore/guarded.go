package kvstore

import (
	"context"

	"github.com/objectfs/resload/internal/circuit"
)

// Guarded routes every call through a circuit breaker so an unavailable
// backend fails fast instead of stalling each cache and controller call
type Guarded struct {
	store   Store
	breaker *circuit.Breaker
}

// NewGuarded wraps store with breaker
func NewGuarded(store Store, breaker *circuit.Breaker) *Guarded {
	return &Guarded{store: store, breaker: breaker}
}

// Breaker returns the breaker guarding the store
func (g *Guarded) Breaker() *circuit.Breaker {
	return g.breaker
}

func (g *Guarded) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.store.Get(ctx, key)
		return err
	})
	return out, err
}

func (g *Guarded) Put(ctx context.Context, key string, value []byte) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Put(ctx, key, value)
	})
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Delete(ctx, key)
	})
}

func (g *Guarded) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		keys, err = g.store.List(ctx, prefix)
		return err
	})
	return keys, err
}

// Close closes the wrapped store
func (g *Guarded) Close() error {
	return g.store.Close()
}
