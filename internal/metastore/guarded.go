package metastore

import (
	"context"

	"github.com/objectfs/mapperfs/internal/circuit"
	"github.com/objectfs/mapperfs/pkg/errors"
)

// GuardedStore runs every call of the wrapped store through a circuit
// breaker. While the breaker is open calls fail at once with
// STORE_UNAVAILABLE instead of waiting on the backend.
type GuardedStore struct {
	Store
	breaker *circuit.CircuitBreaker
}

// NewGuardedStore wraps store. Missing records and non-store errors do not
// count against the breaker.
func NewGuardedStore(store Store, breaker *circuit.CircuitBreaker) *GuardedStore {
	return &GuardedStore{Store: store, breaker: breaker}
}

// NewBreaker builds a breaker that only counts backend failures.
func NewBreaker(name string, cfg circuit.Config) *circuit.CircuitBreaker {
	cfg.IsSuccessful = func(err error) bool { return !isBackendFailure(err) }
	return circuit.NewCircuitBreaker(name, cfg)
}

func (g *GuardedStore) Put(ctx context.Context, handle string, rec Record) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.Store.Put(ctx, handle, rec)
	})
}

func (g *GuardedStore) Get(ctx context.Context, handle string) (Record, error) {
	var rec Record
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		rec, err = g.Store.Get(ctx, handle)
		return err
	})
	return rec, err
}

func (g *GuardedStore) Delete(ctx context.Context, handle string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.Store.Delete(ctx, handle)
	})
}

// Breaker returns the breaker guarding the store.
func (g *GuardedStore) Breaker() *circuit.CircuitBreaker { return g.breaker }

func isBackendFailure(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeStoreRead, errors.ErrCodeStoreWrite, errors.ErrCodeStoreUnavailable:
		return true
	}
	return false
}
