// Package x2dh implements a two-DH key agreement handshake, a trimmed
// variant of X3DH carrying only the identity/signed-pre-key cross terms,
// plus an optional one-time-pre-key term when the bundle supplies one.
//
// Unlike a bare X3DH initiator that places the initiator's identity key
// in the clear inside the initial message, the initiator's long-term
// identity here is AEAD-wrapped under a key both sides can derive
// without it (DH3 alone), so the only cleartext public key on the wire
// is the one-shot ephemeral key — a sender-anonymity invariant.
package x2dh

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/snp-net/snp-core/pkg/crypto"
	"github.com/snp-net/snp-core/pkg/identity"
)

var (
	ErrMalformedPublic = errors.New("x2dh: malformed public key material")
	ErrStaleBundle      = errors.New("x2dh: bundle signature invalid or expired")
	ErrUnknownBundle    = errors.New("x2dh: bundle could not be verified")
	ErrIdentityUnwrap   = errors.New("x2dh: could not unwrap initiator identity")
)

// kdfInfo is the domain-separation string for the final X2DH key
// derivation, distinct from the ratchet's own "snp/root"/"snp/chain".
const kdfInfo = "snp/x2dh"

// wrapInfo derives the key that hides the initiator's identity public
// keys until the responder has the matching DH3 term.
const wrapInfo = "snp/x2dh-identity-wrap"

// maxBundleAge bounds how old a fetched bundle may be before an initiator
// refuses to hand-shake against it.
const maxBundleAge = 7 * 24 * time.Hour

// Result is the output of a successful X2DH run: a shared secret used to
// seed the Double Ratchet's root key, and associated data binding both
// parties' identities into every later AEAD operation.
type Result struct {
	SK [32]byte
	AD []byte
}

// EphemeralKeyPair is the initiator's one-shot ephemeral DH key, the only
// public key sent in the clear.
type EphemeralKeyPair = crypto.DHKeyPair

// InitiateOutput is everything an initiator needs to send the first
// envelope of a new session.
type InitiateOutput struct {
	Result           *Result
	Ephemeral        *EphemeralKeyPair
	WrappedIdentity  []byte // AEAD-sealed (IdentityDHPublic || SigningPublic)
}

// Initiate runs the initiator ("Alice") side of X2DH against a peer's
// published bundle: two DH cross terms (DH1 = IK_A . SPK_B,
// DH2 = EK_A . IK_B), plus a one-time-pre-key DH term folded in whenever
// the fetched bundle carries one.
func Initiate(self *identity.KeyPair, peer *identity.Bundle) (*InitiateOutput, error) {
	if err := identity.VerifyBundle(peer); err != nil {
		return nil, ErrUnknownBundle
	}
	if time.Since(time.Unix(peer.Timestamp, 0)) > maxBundleAge {
		return nil, ErrStaleBundle
	}

	ephemeral, err := crypto.GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}

	dh3, err := crypto.DH(ephemeral.Private, peer.SignedPreKeyPublic)
	if err != nil {
		return nil, ErrMalformedPublic
	}
	dh1, err := crypto.DH(self.DH.Private, peer.SignedPreKeyPublic)
	if err != nil {
		return nil, ErrMalformedPublic
	}
	dh2, err := crypto.DH(ephemeral.Private, peer.IdentityDHPublic)
	if err != nil {
		return nil, ErrMalformedPublic
	}

	ikm := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if peer.HasOneTimePreKey {
		dh4, err := crypto.DH(ephemeral.Private, peer.OneTimePreKeyPublic)
		if err != nil {
			return nil, ErrMalformedPublic
		}
		ikm = append(ikm, dh4[:]...)
	}

	sk, err := crypto.HKDF(nil, ikm, []byte(kdfInfo), 32)
	if err != nil {
		return nil, err
	}
	var skArr [32]byte
	copy(skArr[:], sk)

	wrapKey, err := wrappingKey(dh3)
	if err != nil {
		return nil, err
	}
	idPlaintext := append(append([]byte{}, self.DH.Public[:]...), self.Signing.Public...)
	wrapped, err := crypto.AEADSeal(wrapKey, idPlaintext, ephemeral.Public[:])
	if err != nil {
		return nil, err
	}

	return &InitiateOutput{
		Result:          &Result{SK: skArr, AD: associatedData(self.Signing.Public, peer.SigningPublic)},
		Ephemeral:       ephemeral,
		WrappedIdentity: wrapped,
	}, nil
}

// Respond runs the responder ("Bob") side of X2DH. signedPreKey is Bob's
// private half of the signed pre-key the initiator used; otp is Bob's
// matching one-time pre-key private half, or nil if the request didn't
// name one. wrappedIdentity and ephemeralPublic come straight off the
// wire as received — the initiator's identity is recovered here, never
// read in cleartext from the envelope.
func Respond(self *identity.KeyPair, signedPreKey *identity.PreKey, otp *identity.OneTimePreKey, ephemeralPublic [32]byte, wrappedIdentity []byte) (*Result, error) {
	dh3, err := crypto.DH(signedPreKey.DH.Private, ephemeralPublic)
	if err != nil {
		return nil, ErrMalformedPublic
	}

	wrapKey, err := wrappingKey(dh3)
	if err != nil {
		return nil, err
	}
	idPlaintext, err := crypto.AEADOpen(wrapKey, wrappedIdentity, ephemeralPublic[:])
	if err != nil || len(idPlaintext) != 32+32 {
		return nil, ErrIdentityUnwrap
	}
	var initiatorIdentityDH [32]byte
	copy(initiatorIdentityDH[:], idPlaintext[:32])
	initiatorSigning := idPlaintext[32:]

	dh1, err := crypto.DH(signedPreKey.DH.Private, initiatorIdentityDH)
	if err != nil {
		return nil, ErrMalformedPublic
	}
	dh2, err := crypto.DH(self.DH.Private, ephemeralPublic)
	if err != nil {
		return nil, ErrMalformedPublic
	}

	ikm := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if otp != nil {
		dh4, err := crypto.DH(otp.DH.Private, ephemeralPublic)
		if err != nil {
			return nil, ErrMalformedPublic
		}
		ikm = append(ikm, dh4[:]...)
	}

	sk, err := crypto.HKDF(nil, ikm, []byte(kdfInfo), 32)
	if err != nil {
		return nil, err
	}
	var skArr [32]byte
	copy(skArr[:], sk)

	return &Result{SK: skArr, AD: associatedData(initiatorSigning, self.Signing.Public)}, nil
}

func wrappingKey(dh3 [32]byte) ([32]byte, error) {
	derived, err := crypto.HKDF(nil, dh3[:], []byte(wrapInfo), 32)
	if err != nil {
		return [32]byte{}, err
	}
	var key [32]byte
	copy(key[:], derived)
	return key, nil
}

// associatedData binds both parties' long-term identities into AD so
// every later AEAD call over the session is bound to who the session is
// between.
func associatedData(initiatorSigning, responderSigning []byte) []byte {
	var lenBuf [4]byte
	out := make([]byte, 0, 8+len(initiatorSigning)+len(responderSigning))
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(initiatorSigning)))
	out = append(out, lenBuf[:]...)
	out = append(out, initiatorSigning...)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(responderSigning)))
	out = append(out, lenBuf[:]...)
	out = append(out, responderSigning...)
	return out
}
