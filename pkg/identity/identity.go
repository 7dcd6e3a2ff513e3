// Package identity implements long-term identity keys, pre-keys, and
// signed bundle publication.
package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"time"

	"github.com/snp-net/snp-core/pkg/crypto"
)

// Address is the network-wide identifier for a peer, derived from its
// long-term signing public key.
type Address [20]byte

var (
	ErrBadSignature    = errors.New("identity: signature verification failed")
	ErrAddressMismatch = errors.New("identity: bundle address does not match signing key")
	ErrMissingSignedPreKey = errors.New("identity: bundle has no signed pre-key")
	ErrMalformedBundle = errors.New("identity: malformed bundle encoding")
)

// KeyPair is a peer's long-term identity: an Ed25519 signing key and an
// X25519 Diffie-Hellman key, generated together as an X3DH-style
// identity key pair.
type KeyPair struct {
	Signing *crypto.SigningKeyPair
	DH      *crypto.DHKeyPair
}

// GenerateIdentity creates a fresh long-term identity key pair.
func GenerateIdentity() (*KeyPair, error) {
	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	dh, err := crypto.GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Signing: signing, DH: dh}, nil
}

// AddressOf derives the network address for a signing public key.
func AddressOf(signingPublic ed25519.PublicKey) Address {
	h, err := crypto.Hash(signingPublic)
	if err != nil {
		panic("identity: blake2b unavailable: " + err.Error())
	}
	var addr Address
	copy(addr[:], h)
	return addr
}

// PreKey is a signed medium-term Diffie-Hellman key, rotated periodically
// and republished to the ledger.
type PreKey struct {
	ID        uint32
	DH        *crypto.DHKeyPair
	Signature []byte
}

// GeneratePreKey creates a new signed pre-key, signed with the identity's
// long-term signing key over the pre-key's public DH key.
func GeneratePreKey(identity *KeyPair, id uint32) (*PreKey, error) {
	dh, err := crypto.GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}
	sig := crypto.Sign(identity.Signing.Private, dh.Public[:])
	return &PreKey{ID: id, DH: dh, Signature: sig}, nil
}

// OneTimePreKey is a single-use Diffie-Hellman key. Once handed out in a
// bundle and consumed by an initiator, it must never be reused.
type OneTimePreKey struct {
	ID uint32
	DH *crypto.DHKeyPair
}

// GenerateOneTimePreKeys creates count one-time pre-keys with sequential
// IDs starting at startID.
func GenerateOneTimePreKeys(startID uint32, count int) ([]*OneTimePreKey, error) {
	keys := make([]*OneTimePreKey, 0, count)
	for i := 0; i < count; i++ {
		dh, err := crypto.GenerateDHKeyPair()
		if err != nil {
			return nil, err
		}
		keys = append(keys, &OneTimePreKey{ID: startID + uint32(i), DH: dh})
	}
	return keys, nil
}

// Bundle is the publicly published, self-signed material a peer needs in
// order to run X2DH against this identity.
type Bundle struct {
	Address            Address
	SigningPublic      ed25519.PublicKey
	IdentityDHPublic   [32]byte
	SignedPreKeyID     uint32
	SignedPreKeyPublic [32]byte
	PreKeySignature    []byte
	HasOneTimePreKey   bool
	OneTimePreKeyID    uint32
	OneTimePreKeyPublic [32]byte
	Timestamp          int64
	BundleSignature    []byte
}

// signingInput returns the canonical bytes a bundle's self-signature
// covers: every field except the signature itself, in wire order.
func (b *Bundle) signingInput() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, b.Address[:]...)
	buf = append(buf, b.SigningPublic...)
	buf = append(buf, b.IdentityDHPublic[:]...)

	var id [4]byte
	binary.BigEndian.PutUint32(id[:], b.SignedPreKeyID)
	buf = append(buf, id[:]...)
	buf = append(buf, b.SignedPreKeyPublic[:]...)
	buf = append(buf, b.PreKeySignature...)

	if b.HasOneTimePreKey {
		buf = append(buf, 0x01)
		binary.BigEndian.PutUint32(id[:], b.OneTimePreKeyID)
		buf = append(buf, id[:]...)
		buf = append(buf, b.OneTimePreKeyPublic[:]...)
	} else {
		buf = append(buf, 0x00)
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(b.Timestamp))
	buf = append(buf, ts[:]...)
	return buf
}

// Encode writes the canonical wire/storage form of a bundle: the signed
// fields followed by the length-prefixed self-signature. This is the
// single encoder used for signing, verifying, ledger publication, and
// GetBundle transport responses.
func (b *Bundle) Encode() []byte {
	body := b.signingInput()
	out := make([]byte, 0, len(body)+2+len(b.BundleSignature))
	out = append(out, body...)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(b.BundleSignature)))
	out = append(out, u16[:]...)
	out = append(out, b.BundleSignature...)
	return out
}

// DecodeBundle parses a bundle previously produced by Encode. It does not
// verify the signature; call VerifyBundle afterward.
func DecodeBundle(data []byte) (*Bundle, error) {
	b := &Bundle{}
	off := 0
	if len(data) < off+20 {
		return nil, ErrMalformedBundle
	}
	copy(b.Address[:], data[off:off+20])
	off += 20

	if len(data) < off+ed25519.PublicKeySize {
		return nil, ErrMalformedBundle
	}
	b.SigningPublic = append(ed25519.PublicKey{}, data[off:off+ed25519.PublicKeySize]...)
	off += ed25519.PublicKeySize

	if len(data) < off+32 {
		return nil, ErrMalformedBundle
	}
	copy(b.IdentityDHPublic[:], data[off:off+32])
	off += 32

	if len(data) < off+4 {
		return nil, ErrMalformedBundle
	}
	b.SignedPreKeyID = binary.BigEndian.Uint32(data[off : off+4])
	off += 4

	if len(data) < off+32 {
		return nil, ErrMalformedBundle
	}
	copy(b.SignedPreKeyPublic[:], data[off:off+32])
	off += 32

	if len(data) < off+ed25519.SignatureSize {
		return nil, ErrMalformedBundle
	}
	b.PreKeySignature = append([]byte{}, data[off:off+ed25519.SignatureSize]...)
	off += ed25519.SignatureSize

	if len(data) < off+1 {
		return nil, ErrMalformedBundle
	}
	b.HasOneTimePreKey = data[off] == 0x01
	off++
	if b.HasOneTimePreKey {
		if len(data) < off+4+32 {
			return nil, ErrMalformedBundle
		}
		b.OneTimePreKeyID = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		copy(b.OneTimePreKeyPublic[:], data[off:off+32])
		off += 32
	}

	if len(data) < off+8 {
		return nil, ErrMalformedBundle
	}
	b.Timestamp = int64(binary.BigEndian.Uint64(data[off : off+8]))
	off += 8

	if len(data) < off+2 {
		return nil, ErrMalformedBundle
	}
	sigLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+sigLen {
		return nil, ErrMalformedBundle
	}
	b.BundleSignature = append([]byte{}, data[off:off+sigLen]...)
	return b, nil
}

// BuildBundle assembles and self-signs an identity bundle. otp may be nil
// if no one-time pre-key is attached.
func BuildBundle(identity *KeyPair, signedPreKey *PreKey, otp *OneTimePreKey) *Bundle {
	b := &Bundle{
		Address:            AddressOf(identity.Signing.Public),
		SigningPublic:      identity.Signing.Public,
		IdentityDHPublic:   identity.DH.Public,
		SignedPreKeyID:     signedPreKey.ID,
		SignedPreKeyPublic: signedPreKey.DH.Public,
		PreKeySignature:    signedPreKey.Signature,
		Timestamp:          time.Now().Unix(),
	}
	if otp != nil {
		b.HasOneTimePreKey = true
		b.OneTimePreKeyID = otp.ID
		b.OneTimePreKeyPublic = otp.DH.Public
	}
	b.BundleSignature = crypto.Sign(identity.Signing.Private, b.signingInput())
	return b
}

// Resign recomputes the bundle's self-signature after a field has been
// changed directly (for example, refreshing Timestamp on republish).
func (b *Bundle) Resign(owner *KeyPair) {
	b.BundleSignature = crypto.Sign(owner.Signing.Private, b.signingInput())
}

// VerifyBundle checks both layers of bundle signatures: the self-signature
// over the whole bundle, and the pre-key signature over the signed
// pre-key's public key, plus that the advertised address matches the
// signing key.
func VerifyBundle(b *Bundle) error {
	if len(b.SignedPreKeyPublic) == 0 {
		return ErrMissingSignedPreKey
	}
	if err := crypto.Verify(b.SigningPublic, b.signingInput(), b.BundleSignature); err != nil {
		return ErrBadSignature
	}
	if err := crypto.Verify(b.SigningPublic, b.SignedPreKeyPublic[:], b.PreKeySignature); err != nil {
		return ErrBadSignature
	}
	if AddressOf(b.SigningPublic) != b.Address {
		return ErrAddressMismatch
	}
	return nil
}
