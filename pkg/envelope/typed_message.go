package envelope

import (
	"crypto/ed25519"
	"errors"

	"github.com/snp-net/snp-core/pkg/crypto"
)

var (
	ErrMalformedTypedMessage = errors.New("envelope: malformed typed message")
	ErrBadInnerSignature     = errors.New("envelope: inner signature verification failed")
)

// TypedMessage is the plaintext payload carried inside a session's AEAD
// ciphertext. It is the only place a sender's long-term identity ever
// appears — never in a cleartext envelope field — and its own signature
// lets the receiving dispatcher bind the decrypted sender identity to the
// wire-level outer signature once both are known.
type TypedMessage struct {
	TimestampNS      uint64
	TypeTag          TypeTag
	Payload          []byte
	SenderIdentity   ed25519.PublicKey
	ReceiverIdentity ed25519.PublicKey
	Signature        []byte
}

// signingInput returns the canonical bytes a TypedMessage's signature
// covers: every field except Signature, in fixed wire order.
func (m TypedMessage) signingInput() []byte {
	out := make([]byte, 0, 8+2+4+len(m.Payload)+len(m.SenderIdentity)+len(m.ReceiverIdentity))
	var u64 [8]byte
	putUint64(u64[:], m.TimestampNS)
	out = append(out, u64[:]...)

	var u16 [2]byte
	putUint16(u16[:], uint16(m.TypeTag))
	out = append(out, u16[:]...)

	var u32 [4]byte
	putUint32(u32[:], uint32(len(m.Payload)))
	out = append(out, u32[:]...)
	out = append(out, m.Payload...)

	out = append(out, m.SenderIdentity...)
	out = append(out, m.ReceiverIdentity...)
	return out
}

// Sign computes and attaches the inner signature, produced by the
// sender's long-term identity key over every other field.
func (m *TypedMessage) Sign(senderPriv ed25519.PrivateKey) {
	m.Signature = crypto.Sign(senderPriv, m.signingInput())
}

// VerifyInner checks the TypedMessage's own signature against
// SenderIdentity.
func (m TypedMessage) VerifyInner() error {
	if len(m.SenderIdentity) != ed25519.PublicKeySize {
		return ErrBadInnerSignature
	}
	if err := crypto.Verify(m.SenderIdentity, m.signingInput(), m.Signature); err != nil {
		return ErrBadInnerSignature
	}
	return nil
}

// Encode writes the canonical binary form of a TypedMessage, including
// its signature, suitable as the plaintext sealed by a ratchet message
// key.
func (m TypedMessage) Encode() []byte {
	body := m.signingInput()
	out := make([]byte, 0, len(body)+2+len(m.Signature))
	var u16 [2]byte
	putUint16(u16[:], uint16(len(m.Signature)))
	out = append(out, body...)
	out = append(out, u16[:]...)
	out = append(out, m.Signature...)
	return out
}

// DecodeTypedMessage parses a TypedMessage from its canonical binary
// form.
func DecodeTypedMessage(b []byte) (TypedMessage, error) {
	var m TypedMessage
	if len(b) < 8+2+4 {
		return m, ErrMalformedTypedMessage
	}
	m.TimestampNS = getUint64(b[0:8])
	m.TypeTag = TypeTag(getUint16(b[8:10]))
	payloadLen := int(getUint32(b[10:14]))
	off := 14
	if payloadLen < 0 || len(b) < off+payloadLen {
		return TypedMessage{}, ErrMalformedTypedMessage
	}
	m.Payload = append([]byte{}, b[off:off+payloadLen]...)
	off += payloadLen

	if len(b) < off+ed25519.PublicKeySize*2 {
		return TypedMessage{}, ErrMalformedTypedMessage
	}
	m.SenderIdentity = append(ed25519.PublicKey{}, b[off:off+ed25519.PublicKeySize]...)
	off += ed25519.PublicKeySize
	m.ReceiverIdentity = append(ed25519.PublicKey{}, b[off:off+ed25519.PublicKeySize]...)
	off += ed25519.PublicKeySize

	if len(b) < off+2 {
		return TypedMessage{}, ErrMalformedTypedMessage
	}
	sigLen := int(getUint16(b[off : off+2]))
	off += 2
	if len(b) < off+sigLen {
		return TypedMessage{}, ErrMalformedTypedMessage
	}
	m.Signature = append([]byte{}, b[off:off+sigLen]...)
	return m, nil
}
