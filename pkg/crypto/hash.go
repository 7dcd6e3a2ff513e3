package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hash generates a BLAKE2b-256 hash, used for address derivation and
// content fingerprints.
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// HashString generates a BLAKE2b hash and returns its hex encoding.
func HashString(data []byte) (string, error) {
	hash, err := Hash(data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash), nil
}

// VerifyHash reports whether data hashes to expectedHash, in constant time
// over the comparison loop length.
func VerifyHash(data []byte, expectedHash []byte) (bool, error) {
	actualHash, err := Hash(data)
	if err != nil {
		return false, err
	}

	if len(actualHash) != len(expectedHash) {
		return false, nil
	}

	var diff byte
	for i := range actualHash {
		diff |= actualHash[i] ^ expectedHash[i]
	}

	return diff == 0, nil
}
