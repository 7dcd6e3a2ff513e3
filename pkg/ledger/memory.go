package ledger

import (
	"context"
	"sync"

	"github.com/snp-net/snp-core/pkg/identity"
)

// MemoryLedger is an in-process Ledger for tests and single-process
// demos, grounded on the teacher's pkg/dht/storage.go map-plus-mutex
// Storage type.
type MemoryLedger struct {
	mu      sync.Mutex
	bundles map[identity.Address]*identity.Bundle
	nonces  map[identity.Address]uint64
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		bundles: make(map[identity.Address]*identity.Bundle),
		nonces:  make(map[identity.Address]uint64),
	}
}

func (l *MemoryLedger) PublishBundle(ctx context.Context, bundle *identity.Bundle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := acceptBundle(l.bundles[bundle.Address], bundle); err != nil {
		return err
	}
	l.bundles[bundle.Address] = bundle
	return nil
}

func (l *MemoryLedger) LookupBundle(ctx context.Context, addr identity.Address) (*identity.Bundle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bundles[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (l *MemoryLedger) NextNonce(ctx context.Context, addr identity.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.nonces[addr]
	l.nonces[addr] = n + 1
	return n, nil
}
