// Package session implements the session store: a SQLite-backed forward
// index (peer identity -> ratchet state) and reverse index (session id ->
// peer identity), written transactionally so the two indexes never
// diverge. Every mutation runs inside a single *sql.Tx rather than
// rewriting a whole file per update, so the two indexes can never be
// observed out of sync with each other.
package session

import (
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/snp-net/snp-core/pkg/identity"
	"github.com/snp-net/snp-core/pkg/ratchet"
)

var (
	ErrNotFound = errors.New("session: not found")
)

// Store is the session store's SQLite-backed implementation.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a session store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("session: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		peer_address BLOB PRIMARY KEY,
		peer_signing_public BLOB NOT NULL,
		session_id   INTEGER NOT NULL UNIQUE,
		ratchet_state BLOB NOT NULL,
		associated_data BLOB NOT NULL,
		bundle_timestamp INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_index (
		session_id   INTEGER PRIMARY KEY,
		peer_address BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prekey_material (
		peer_address BLOB NOT NULL,
		prekey_id    INTEGER NOT NULL,
		private_key  BLOB NOT NULL,
		expires_at   INTEGER NOT NULL,
		PRIMARY KEY (peer_address, prekey_id)
	);

	CREATE INDEX IF NOT EXISTS idx_session_index_peer ON session_index(peer_address);
	CREATE INDEX IF NOT EXISTS idx_prekey_expires ON prekey_material(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("session: init schema: %w", err)
	}
	return nil
}

// Put atomically writes the forward index entry for peer and the
// matching reverse index entry for sessionID, replacing any existing
// session for that peer. Both writes happen inside one transaction so a
// crash between them can never leave the indexes inconsistent.
func (s *Store) Put(peer identity.Address, peerSigningPublic ed25519.PublicKey, sessionID uint64, state *ratchet.State, associatedData []byte, bundleTimestamp int64) error {
	blob, err := state.Marshal()
	if err != nil {
		return fmt.Errorf("session: marshal ratchet state: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback()

	// Drop any stale reverse-index row for a session previously held by
	// this peer before replacing it, so session_index never accumulates
	// orphaned rows pointing at a retired session id.
	if _, err := tx.Exec(`DELETE FROM session_index WHERE peer_address = ?`, peer[:]); err != nil {
		return fmt.Errorf("session: clear old reverse index: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO sessions (peer_address, peer_signing_public, session_id, ratchet_state, associated_data, bundle_timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_address) DO UPDATE SET
			peer_signing_public = excluded.peer_signing_public,
			session_id = excluded.session_id,
			ratchet_state = excluded.ratchet_state,
			associated_data = excluded.associated_data,
			bundle_timestamp = excluded.bundle_timestamp,
			updated_at = excluded.updated_at
	`, peer[:], []byte(peerSigningPublic), int64(sessionID), blob, associatedData, bundleTimestamp, time.Now().Unix()); err != nil {
		return fmt.Errorf("session: write forward index: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO session_index (session_id, peer_address) VALUES (?, ?)
	`, int64(sessionID), peer[:]); err != nil {
		return fmt.Errorf("session: write reverse index: %w", err)
	}

	return tx.Commit()
}

// Get loads the ratchet state and metadata for peer.
func (s *Store) Get(peer identity.Address) (state *ratchet.State, peerSigningPublic ed25519.PublicKey, sessionID uint64, associatedData []byte, bundleTimestamp int64, err error) {
	var blob []byte
	var signingPublic []byte
	var sid int64
	row := s.db.QueryRow(`
		SELECT session_id, peer_signing_public, ratchet_state, associated_data, bundle_timestamp FROM sessions WHERE peer_address = ?
	`, peer[:])
	if err := row.Scan(&sid, &signingPublic, &blob, &associatedData, &bundleTimestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, 0, nil, 0, ErrNotFound
		}
		return nil, nil, 0, nil, 0, fmt.Errorf("session: get: %w", err)
	}

	state, err = ratchet.Unmarshal(blob)
	if err != nil {
		return nil, nil, 0, nil, 0, fmt.Errorf("session: unmarshal ratchet state: %w", err)
	}
	return state, ed25519.PublicKey(signingPublic), uint64(sid), associatedData, bundleTimestamp, nil
}

// PeerForSession resolves a session id back to the peer it belongs to,
// via the reverse index.
func (s *Store) PeerForSession(sessionID uint64) (identity.Address, error) {
	var raw []byte
	row := s.db.QueryRow(`SELECT peer_address FROM session_index WHERE session_id = ?`, int64(sessionID))
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Address{}, ErrNotFound
		}
		return identity.Address{}, fmt.Errorf("session: peer for session: %w", err)
	}
	var addr identity.Address
	copy(addr[:], raw)
	return addr, nil
}

// Freshest reports whether the live session held for peer was built from
// a bundle at least as new as bundleTimestamp. If no session exists yet,
// it reports false so the caller starts one.
func (s *Store) Freshest(peer identity.Address, bundleTimestamp int64) (bool, error) {
	_, _, _, _, existingTS, err := s.Get(peer)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return existingTS >= bundleTimestamp, nil
}

// Retire deletes peer's session from both indexes atomically, so a
// renegotiated session never finds a half-deleted predecessor.
func (s *Store) Retire(peer identity.Address) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("session: begin tx: %w", err)
	}
	defer tx.Rollback()

	var sid sql.NullInt64
	row := tx.QueryRow(`SELECT session_id FROM sessions WHERE peer_address = ?`, peer[:])
	if err := row.Scan(&sid); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session: retire lookup: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM sessions WHERE peer_address = ?`, peer[:]); err != nil {
		return fmt.Errorf("session: retire forward index: %w", err)
	}
	if sid.Valid {
		if _, err := tx.Exec(`DELETE FROM session_index WHERE session_id = ?`, sid.Int64); err != nil {
			return fmt.Errorf("session: retire reverse index: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
