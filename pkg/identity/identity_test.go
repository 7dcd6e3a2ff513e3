package identity

import (
	"testing"

	"github.com/snp-net/snp-core/pkg/crypto"
	"github.com/stretchr/testify/require"
)

func TestBuildAndVerifyBundle(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	spk, err := GeneratePreKey(id, 1)
	require.NoError(t, err)

	otks, err := GenerateOneTimePreKeys(100, 1)
	require.NoError(t, err)

	bundle := BuildBundle(id, spk, otks[0])
	require.Equal(t, AddressOf(id.Signing.Public), bundle.Address)
	require.True(t, bundle.HasOneTimePreKey)

	require.NoError(t, VerifyBundle(bundle))
}

func TestVerifyBundleWithoutOneTimeKey(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	spk, err := GeneratePreKey(id, 1)
	require.NoError(t, err)

	bundle := BuildBundle(id, spk, nil)
	require.False(t, bundle.HasOneTimePreKey)
	require.NoError(t, VerifyBundle(bundle))
}

func TestVerifyBundleTamperedFieldFails(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	spk, err := GeneratePreKey(id, 1)
	require.NoError(t, err)

	bundle := BuildBundle(id, spk, nil)
	bundle.SignedPreKeyPublic[0] ^= 0xFF

	require.ErrorIs(t, VerifyBundle(bundle), ErrBadSignature)
}

func TestVerifyBundleWrongAddressFails(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	spk, err := GeneratePreKey(id, 1)
	require.NoError(t, err)

	bundle := BuildBundle(id, spk, nil)
	bundle.Address[0] ^= 0xFF
	// Re-sign over the mutated address so this exercises the address
	// check specifically, not the signature check.
	bundle.BundleSignature = crypto.Sign(id.Signing.Private, bundle.signingInput())

	require.ErrorIs(t, VerifyBundle(bundle), ErrAddressMismatch)
}

func TestPreKeyStoreConsumeIsOneShot(t *testing.T) {
	store := NewPreKeyStore()
	id, err := GenerateIdentity()
	require.NoError(t, err)
	addr := AddressOf(id.Signing.Public)

	keys, err := GenerateOneTimePreKeys(0, 3)
	require.NoError(t, err)
	store.Add(addr, keys)
	require.Equal(t, 3, store.Count(addr))

	seen := map[uint32]bool{}
	for i := 0; i < 3; i++ {
		otk, ok := store.Consume(addr)
		require.True(t, ok)
		require.False(t, seen[otk.ID], "one-time pre-key handed out twice")
		seen[otk.ID] = true
	}

	_, ok := store.Consume(addr)
	require.False(t, ok, "store should be empty after all keys consumed")
}

func TestBundleEncodeDecodeRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	preKey, err := GeneratePreKey(id, 1)
	require.NoError(t, err)
	otps, err := GenerateOneTimePreKeys(0, 1)
	require.NoError(t, err)

	bundle := BuildBundle(id, preKey, otps[0])
	decoded, err := DecodeBundle(bundle.Encode())
	require.NoError(t, err)
	require.NoError(t, VerifyBundle(decoded))
	require.Equal(t, bundle.Address, decoded.Address)
	require.True(t, bundle.SigningPublic.Equal(decoded.SigningPublic))
	require.Equal(t, bundle.IdentityDHPublic, decoded.IdentityDHPublic)
	require.Equal(t, bundle.SignedPreKeyID, decoded.SignedPreKeyID)
	require.Equal(t, bundle.HasOneTimePreKey, decoded.HasOneTimePreKey)
	require.Equal(t, bundle.OneTimePreKeyID, decoded.OneTimePreKeyID)
	require.Equal(t, bundle.Timestamp, decoded.Timestamp)
}

func TestDecodeBundleRejectsTruncatedInput(t *testing.T) {
	_, err := DecodeBundle(make([]byte, 5))
	require.ErrorIs(t, err, ErrMalformedBundle)
}

func TestPreKeyStoreConsumeIDPopsSpecificKey(t *testing.T) {
	store := NewPreKeyStore()
	id, err := GenerateIdentity()
	require.NoError(t, err)
	addr := AddressOf(id.Signing.Public)

	keys, err := GenerateOneTimePreKeys(0, 3)
	require.NoError(t, err)
	store.Add(addr, keys)

	otp, ok := store.ConsumeID(addr, keys[1].ID)
	require.True(t, ok)
	require.Equal(t, keys[1].ID, otp.ID)
	require.Equal(t, 2, store.Count(addr))

	_, ok = store.ConsumeID(addr, keys[1].ID)
	require.False(t, ok, "the same id must not be handed out twice")
}
