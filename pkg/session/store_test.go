package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/snp-net/snp-core/pkg/crypto"
	"github.com/snp-net/snp-core/pkg/identity"
	"github.com/snp-net/snp-core/pkg/ratchet"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func buildTestRatchetState(t *testing.T) *ratchet.State {
	t.Helper()
	var sk [32]byte
	selfKey, err := crypto.GenerateDHKeyPair()
	require.NoError(t, err)
	remoteKey, err := crypto.GenerateDHKeyPair()
	require.NoError(t, err)
	state, err := ratchet.NewInitiator(sk, selfKey, remoteKey.Public)
	require.NoError(t, err)
	return state
}

func TestPutAndGetRoundTrip(t *testing.T) {
	store := openTestStore(t)

	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	peer := identity.AddressOf(id.Signing.Public)

	state := buildTestRatchetState(t)
	require.NoError(t, store.Put(peer, id.Signing.Public, 0xDEADBEEFCAFEBABE, state, []byte("ad"), 1000))

	loaded, signingPublic, sessionID, ad, bundleTS, err := store.Get(peer)
	require.NoError(t, err)
	require.Equal(t, uint64(0xDEADBEEFCAFEBABE), sessionID)
	require.True(t, id.Signing.Public.Equal(signingPublic))
	require.Equal(t, []byte("ad"), ad)
	require.Equal(t, int64(1000), bundleTS)
	require.NotNil(t, loaded)
}

func TestPeerForSessionReverseIndex(t *testing.T) {
	store := openTestStore(t)

	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	peer := identity.AddressOf(id.Signing.Public)
	state := buildTestRatchetState(t)

	require.NoError(t, store.Put(peer, id.Signing.Public, 42, state, nil, 1))

	resolved, err := store.PeerForSession(42)
	require.NoError(t, err)
	require.Equal(t, peer, resolved)
}

func TestPutReplacesSessionAndOldReverseIndexEntryIsGone(t *testing.T) {
	store := openTestStore(t)

	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	peer := identity.AddressOf(id.Signing.Public)

	require.NoError(t, store.Put(peer, id.Signing.Public, 1, buildTestRatchetState(t), nil, 10))
	require.NoError(t, store.Put(peer, id.Signing.Public, 2, buildTestRatchetState(t), nil, 20))

	_, err = store.PeerForSession(1)
	require.ErrorIs(t, err, ErrNotFound, "stale reverse index entry must not survive a replace")

	resolved, err := store.PeerForSession(2)
	require.NoError(t, err)
	require.Equal(t, peer, resolved)
}

func TestFreshest(t *testing.T) {
	store := openTestStore(t)
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	peer := identity.AddressOf(id.Signing.Public)

	fresh, err := store.Freshest(peer, 100)
	require.NoError(t, err)
	require.False(t, fresh, "no session yet means not fresh")

	require.NoError(t, store.Put(peer, id.Signing.Public, 1, buildTestRatchetState(t), nil, 100))

	fresh, err = store.Freshest(peer, 50)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = store.Freshest(peer, 150)
	require.NoError(t, err)
	require.False(t, fresh, "a newer bundle timestamp should force renegotiation")
}

func TestRetireRemovesBothIndexes(t *testing.T) {
	store := openTestStore(t)
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	peer := identity.AddressOf(id.Signing.Public)

	require.NoError(t, store.Put(peer, id.Signing.Public, 7, buildTestRatchetState(t), nil, 1))
	require.NoError(t, store.Retire(peer))

	_, _, _, _, _, err = store.Get(peer)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.PeerForSession(7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPreKeyStoreLoadAndExpiry(t *testing.T) {
	store := openTestStore(t)
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	owner := identity.AddressOf(id.Signing.Public)

	var priv [32]byte
	priv[0] = 0x42

	require.NoError(t, store.StorePreKey(owner, 1, priv, time.Hour))

	loaded, err := store.LoadPreKey(owner, 1)
	require.NoError(t, err)
	require.Equal(t, priv, loaded)

	require.NoError(t, store.StorePreKey(owner, 2, priv, -time.Hour))
	_, err = store.LoadPreKey(owner, 2)
	require.ErrorIs(t, err, ErrNotFound)

	removed, err := store.CleanupExpiredPreKeys()
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}
