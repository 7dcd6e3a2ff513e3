// Package ledger is a signed-bundle publication endpoint and a source of
// per-account nonces: the core never reaches into a blockchain directly,
// it only publishes/looks up identity.Bundle values and asks for the
// next nonce for an address through this interface.
package ledger

import (
	"context"
	"errors"

	"github.com/snp-net/snp-core/pkg/identity"
)

var (
	// ErrNotFound is returned when no bundle has been published for an
	// address.
	ErrNotFound = errors.New("ledger: bundle not found")
	// ErrStale is returned when PublishBundle is given a bundle no newer
	// than the one already on record for that address: timestamp must be
	// newer than any previously accepted bundle from the same identity.
	ErrStale = errors.New("ledger: bundle is not newer than the one on record")
)

// Ledger is the interface the core depends on for bundle publication and
// per-account nonces. Implementations may be backed by an actual
// blockchain, a DHT (see dht.go), or, for tests, memory.
type Ledger interface {
	// PublishBundle verifies and publishes bundle, rejecting it with
	// ErrStale if a bundle for the same address with the same or a newer
	// timestamp is already on record.
	PublishBundle(ctx context.Context, bundle *identity.Bundle) error
	// LookupBundle returns the most recently published bundle for addr,
	// or ErrNotFound.
	LookupBundle(ctx context.Context, addr identity.Address) (*identity.Bundle, error)
	// NextNonce returns the next unused nonce for addr and advances the
	// counter, so concurrent publishers never reuse one.
	NextNonce(ctx context.Context, addr identity.Address) (uint64, error)
}

func acceptBundle(existing *identity.Bundle, candidate *identity.Bundle) error {
	if err := identity.VerifyBundle(candidate); err != nil {
		return err
	}
	if existing != nil && candidate.Timestamp <= existing.Timestamp {
		return ErrStale
	}
	return nil
}
