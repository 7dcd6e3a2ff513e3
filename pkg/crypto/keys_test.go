package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSigningKeyPair(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	require.Len(t, kp.Public, 32)
	require.Len(t, kp.Private, 64)
}

func TestGenerateDHKeyPairAndExchange(t *testing.T) {
	alice, err := GenerateDHKeyPair()
	require.NoError(t, err)
	bob, err := GenerateDHKeyPair()
	require.NoError(t, err)

	aliceShared, err := DH(alice.Private, bob.Public)
	require.NoError(t, err)
	bobShared, err := DH(bob.Private, alice.Public)
	require.NoError(t, err)

	require.Equal(t, aliceShared, bobShared, "DH() not commutative")
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	data := []byte("bundle contents")
	sig := Sign(kp.Private, data)
	require.NoError(t, Verify(kp.Public, data, sig))

	sig[0] ^= 0xFF
	require.ErrorIs(t, Verify(kp.Public, data, sig), ErrBadSignature)
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte{1, 2, 3, 4}
	salt := []byte("salt")

	out1, err := HKDF(salt, ikm, []byte("snp/root"), 64)
	require.NoError(t, err)
	out2, err := HKDF(salt, ikm, []byte("snp/root"), 64)
	require.NoError(t, err)
	require.Equal(t, out1, out2)

	out3, err := HKDF(salt, ikm, []byte("snp/chain"), 64)
	require.NoError(t, err)
	require.NotEqual(t, out1, out3, "different info strings must diverge")
}

func TestAEADRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, 32))

	plaintext := []byte("hello ratchet")
	aad := []byte("header bytes")

	ciphertext, err := AEADSeal(key, plaintext, aad)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := AEADOpen(key, ciphertext, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestAEADOpenWrongAADFails(t *testing.T) {
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x01}, 32))

	ciphertext, err := AEADSeal(key, []byte("plaintext"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = AEADOpen(key, ciphertext, []byte("aad-b"))
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestAEADOpenTamperedCiphertextFails(t *testing.T) {
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x07}, 32))

	ciphertext, err := AEADSeal(key, []byte("plaintext"), nil)
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = AEADOpen(key, ciphertext, nil)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestExportImportPEMRoundtrip(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5}
	pemData := ExportPEM("SNP IDENTITY KEY", raw)

	if !strings.HasPrefix(string(pemData), "-----BEGIN SNP IDENTITY KEY-----") {
		t.Error("ExportPEM() does not start with PEM header")
	}

	imported, err := ImportPEM("SNP IDENTITY KEY", pemData)
	require.NoError(t, err)
	require.Equal(t, raw, imported)

	_, err = ImportPEM("WRONG TYPE", pemData)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestSaveLoadKeyFile(t *testing.T) {
	tempDir := t.TempDir()
	keyFile := filepath.Join(tempDir, "test_key.pem")

	pemData := ExportPEM("SNP IDENTITY KEY", []byte{9, 9, 9})

	require.NoError(t, SaveKeyToFile(keyFile, pemData))

	if _, err := os.Stat(keyFile); os.IsNotExist(err) {
		t.Fatal("SaveKeyToFile() did not create file")
	}

	loadedData, err := LoadKeyFromFile(keyFile)
	require.NoError(t, err)
	require.Equal(t, pemData, loadedData)
}

func TestLoadKeyFromFileNotFound(t *testing.T) {
	_, err := LoadKeyFromFile("/nonexistent/path/key.pem")
	require.Error(t, err)
}

func TestGenerateNonceProducesDistinctOutputs(t *testing.T) {
	sizes := []int{8, 16, 32, 64}
	for _, size := range sizes {
		nonce, err := GenerateNonce(size)
		require.NoError(t, err)
		require.Len(t, nonce, size)

		nonce2, err := GenerateNonce(size)
		require.NoError(t, err)
		require.NotEqual(t, nonce, nonce2, "GenerateNonce() produced identical output")
	}
}
