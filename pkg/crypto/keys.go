package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrBadSignature     = errors.New("signature verification failed")
)

// SigningKeyPair is a long-term Ed25519 identity key.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// DHKeyPair is an X25519 key agreement key.
type DHKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateSigningKeyPair generates a new Ed25519 signing key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SigningKeyPair{Public: pub, Private: priv}, nil
}

// GenerateDHKeyPair generates a new X25519 key pair.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var pubArr [32]byte
	copy(pubArr[:], pub)

	return &DHKeyPair{Public: pubArr, Private: priv}, nil
}

// DH performs an X25519 Diffie-Hellman agreement.
func DH(priv, pub [32]byte) ([32]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	var result [32]byte
	if err != nil {
		return result, err
	}
	copy(result[:], out)
	return result, nil
}

// DerivePublic computes the X25519 public key matching a clamped private
// scalar, for reconstructing a DHKeyPair's public half from stored
// private key material alone.
func DerivePublic(priv [32]byte) ([32]byte, error) {
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	var result [32]byte
	if err != nil {
		return result, err
	}
	copy(result[:], out)
	return result, nil
}

// Sign produces an Ed25519 signature over data.
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks an Ed25519 signature over data.
func Verify(pub ed25519.PublicKey, data, sig []byte) error {
	if !ed25519.Verify(pub, data, sig) {
		return ErrBadSignature
	}
	return nil
}

// HKDF derives outLen bytes of key material from ikm using HKDF-SHA256,
// with the given salt and domain-separated info string.
func HKDF(salt, ikm, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HMACSHA256 computes HMAC-SHA256(key, data).
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// AEADSeal encrypts plaintext with ChaCha20-Poly1305, binding aad.
// The nonce is drawn from the CSPRNG and prepended to the ciphertext.
func AEADSeal(key [32]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := aead.Seal(nonce, nonce, plaintext, aad)
	return out, nil
}

// AEADOpen decrypts a ciphertext produced by AEADSeal. It returns
// ErrDecryptionFailed on any authentication failure without leaking which
// check failed.
func AEADOpen(key [32]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// GenerateNonce returns size cryptographically random bytes.
func GenerateNonce(size int) ([]byte, error) {
	nonce := make([]byte, size)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// ExportPEM wraps raw key bytes in a PEM block of the given type.
func ExportPEM(blockType string, raw []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: raw})
}

// ImportPEM extracts raw bytes from a PEM block, checking the type.
func ImportPEM(blockType string, data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, ErrInvalidKey
	}
	return block.Bytes, nil
}

// SaveKeyToFile saves PEM-encoded key material to file.
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0600)
}

// LoadKeyFromFile loads PEM-encoded key material from file.
func LoadKeyFromFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}
