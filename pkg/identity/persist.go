package identity

import (
	"crypto/ed25519"
	"fmt"

	"github.com/snp-net/snp-core/pkg/crypto"
)

const identityPEMBlockType = "SNP IDENTITY KEY"

// SaveIdentity writes id's private key material (Ed25519 signing private
// key followed by the X25519 DH private key) to path as a single PEM
// block, using SaveKeyToFile over ExportPEM.
func SaveIdentity(id *KeyPair, path string) error {
	raw := make([]byte, 0, ed25519.PrivateKeySize+32)
	raw = append(raw, id.Signing.Private...)
	raw = append(raw, id.DH.Private[:]...)
	return crypto.SaveKeyToFile(path, crypto.ExportPEM(identityPEMBlockType, raw))
}

// LoadIdentity reads a KeyPair previously written by SaveIdentity.
func LoadIdentity(path string) (*KeyPair, error) {
	pemData, err := crypto.LoadKeyFromFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.ImportPEM(identityPEMBlockType, pemData)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize+32 {
		return nil, fmt.Errorf("identity: malformed identity key file %q", path)
	}

	signingPriv := ed25519.PrivateKey(append([]byte{}, raw[:ed25519.PrivateKeySize]...))
	signingPub := signingPriv.Public().(ed25519.PublicKey)

	var dhPriv [32]byte
	copy(dhPriv[:], raw[ed25519.PrivateKeySize:])
	dhPub, err := crypto.DerivePublic(dhPriv)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Signing: &crypto.SigningKeyPair{Public: signingPub, Private: signingPriv},
		DH:      &crypto.DHKeyPair{Public: dhPub, Private: dhPriv},
	}, nil
}
