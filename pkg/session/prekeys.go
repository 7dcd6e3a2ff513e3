package session

import (
	"fmt"
	"log"
	"time"

	"github.com/snp-net/snp-core/pkg/identity"
)

// DefaultPreKeyTTL mirrors the teacher's default relay-queue retention
// window (pkg/storage/relay_queue.go's 30-day default) applied here to
// signed pre-key rotation material.
const DefaultPreKeyTTL = 30 * 24 * time.Hour

// StorePreKey persists the private half of a signed pre-key so it
// survives a process restart, with an expiry after which it is eligible
// for cleanup.
func (s *Store) StorePreKey(owner identity.Address, preKeyID uint32, private [32]byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = DefaultPreKeyTTL
	}
	expiresAt := time.Now().Add(ttl).Unix()
	_, err := s.db.Exec(`
		INSERT INTO prekey_material (peer_address, prekey_id, private_key, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_address, prekey_id) DO UPDATE SET
			private_key = excluded.private_key,
			expires_at = excluded.expires_at
	`, owner[:], preKeyID, private[:], expiresAt)
	if err != nil {
		return fmt.Errorf("session: store pre-key: %w", err)
	}
	return nil
}

// LoadPreKey retrieves the private half of a previously stored, unexpired
// pre-key.
func (s *Store) LoadPreKey(owner identity.Address, preKeyID uint32) ([32]byte, error) {
	var raw []byte
	var expiresAt int64
	row := s.db.QueryRow(`
		SELECT private_key, expires_at FROM prekey_material
		WHERE peer_address = ? AND prekey_id = ?
	`, owner[:], preKeyID)
	if err := row.Scan(&raw, &expiresAt); err != nil {
		var zero [32]byte
		return zero, ErrNotFound
	}
	if time.Now().Unix() > expiresAt {
		var zero [32]byte
		return zero, ErrNotFound
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

// CleanupExpiredPreKeys removes expired rows, in the style of the
// teacher's cleanupExpiredMessages ticker loop
// (pkg/storage/relay_queue.go).
func (s *Store) CleanupExpiredPreKeys() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM prekey_material WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("session: cleanup pre-keys: %w", err)
	}
	return res.RowsAffected()
}

// RunPreKeyCleanupLoop runs CleanupExpiredPreKeys on an hourly ticker
// until stop is closed.
func (s *Store) RunPreKeyCleanupLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n, err := s.CleanupExpiredPreKeys(); err != nil {
				log.Printf("session: pre-key cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("session: cleaned up %d expired pre-keys", n)
			}
		}
	}
}
