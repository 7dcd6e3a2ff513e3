package envelope

import (
	"crypto/ed25519"
	"errors"

	"github.com/snp-net/snp-core/pkg/crypto"
	"github.com/snp-net/snp-core/pkg/identity"
)

var ErrMalformedMessage = errors.New("envelope: malformed message payload")

// SessionMessage is the payload of a TypeMessage envelope: an opaque
// session handle, the Double Ratchet header, and the AEAD ciphertext. No
// field here names either party's long-term identity — the session id is
// a random handle chosen at session creation.
type SessionMessage struct {
	SessionID     uint64
	RatchetHeader []byte // ratchet.Header.Encode() output, always 40 bytes
	Ciphertext    []byte
}

// Encode writes the canonical binary form: session id, then a
// length-prefixed ratchet header, then the remaining bytes as ciphertext.
func (m SessionMessage) Encode() []byte {
	out := make([]byte, 8+2+len(m.RatchetHeader)+len(m.Ciphertext))
	putUint64(out[0:8], m.SessionID)
	putUint16(out[8:10], uint16(len(m.RatchetHeader)))
	copy(out[10:10+len(m.RatchetHeader)], m.RatchetHeader)
	copy(out[10+len(m.RatchetHeader):], m.Ciphertext)
	return out
}

// DecodeSessionMessage parses a SessionMessage payload.
func DecodeSessionMessage(b []byte) (SessionMessage, error) {
	if len(b) < 10 {
		return SessionMessage{}, ErrMalformedMessage
	}
	sessionID := getUint64(b[0:8])
	headerLen := int(getUint16(b[8:10]))
	if len(b) < 10+headerLen {
		return SessionMessage{}, ErrMalformedMessage
	}
	header := append([]byte{}, b[10:10+headerLen]...)
	ciphertext := append([]byte{}, b[10+headerLen:]...)
	return SessionMessage{SessionID: sessionID, RatchetHeader: header, Ciphertext: ciphertext}, nil
}

// InitialRequest is the payload of the first TypeNewSessionRequest
// envelope a peer ever sends to another: it carries the X2DH ephemeral
// public key and the AEAD-wrapped initiator identity (never cleartext
// identity material), plus which of the responder's pre-keys were used,
// and may piggyback the first application message.
//
// OuterSignature is produced by the sender's long-term identity key over
// SigningBytes(): the bytes are meaningless to an observer who cannot
// name the signer, but once the responder decrypts FirstMessage and
// recovers TypedMessage.SenderIdentity it can verify OuterSignature
// against that key, binding the two layers together.
type InitialRequest struct {
	Ephemeral        [32]byte
	WrappedIdentity  []byte
	SignedPreKeyID   uint32
	HasOneTimePreKey bool
	OneTimePreKeyID  uint32
	SessionID        uint64
	FirstMessage     *SessionMessage // nil if the request carries no piggybacked message
	OuterSignature   []byte
}

// SigningBytes returns the canonical bytes OuterSignature covers: every
// field of the request except OuterSignature itself.
func (r InitialRequest) SigningBytes() []byte {
	return r.encode(false)
}

// Encode writes the canonical binary form of an InitialRequest, including
// OuterSignature.
func (r InitialRequest) Encode() []byte {
	return r.encode(true)
}

func (r InitialRequest) encode(withSignature bool) []byte {
	out := make([]byte, 0, 32+2+len(r.WrappedIdentity)+4+1+4+8+1+2+len(r.OuterSignature))
	out = append(out, r.Ephemeral[:]...)

	var u16 [2]byte
	putUint16(u16[:], uint16(len(r.WrappedIdentity)))
	out = append(out, u16[:]...)
	out = append(out, r.WrappedIdentity...)

	var u32 [4]byte
	putUint32(u32[:], r.SignedPreKeyID)
	out = append(out, u32[:]...)

	if r.HasOneTimePreKey {
		out = append(out, 0x01)
		putUint32(u32[:], r.OneTimePreKeyID)
		out = append(out, u32[:]...)
	} else {
		out = append(out, 0x00)
	}

	var u64 [8]byte
	putUint64(u64[:], r.SessionID)
	out = append(out, u64[:]...)

	if r.FirstMessage != nil {
		fm := r.FirstMessage.Encode()
		out = append(out, 0x01)
		putUint32(u32[:], uint32(len(fm)))
		out = append(out, u32[:]...)
		out = append(out, fm...)
	} else {
		out = append(out, 0x00)
	}

	if withSignature {
		putUint16(u16[:], uint16(len(r.OuterSignature)))
		out = append(out, u16[:]...)
		out = append(out, r.OuterSignature...)
	}
	return out
}

// Sign computes and attaches OuterSignature, produced by the initiator's
// long-term identity key.
func (r *InitialRequest) Sign(senderPriv ed25519.PrivateKey) {
	r.OuterSignature = crypto.Sign(senderPriv, r.SigningBytes())
}

// VerifyOuter checks OuterSignature against a sender public key recovered
// from the decrypted FirstMessage's TypedMessage.SenderIdentity. Mismatch
// is IdentityMismatch at the call site.
func (r InitialRequest) VerifyOuter(senderPublic ed25519.PublicKey) error {
	return crypto.Verify(senderPublic, r.SigningBytes(), r.OuterSignature)
}

// DecodeInitialRequest parses an InitialRequest payload.
func DecodeInitialRequest(b []byte) (InitialRequest, error) {
	var r InitialRequest
	if len(b) < 32+2 {
		return r, ErrMalformedMessage
	}
	copy(r.Ephemeral[:], b[0:32])
	wrappedLen := int(getUint16(b[32:34]))
	off := 34
	if len(b) < off+wrappedLen {
		return r, ErrMalformedMessage
	}
	r.WrappedIdentity = append([]byte{}, b[off:off+wrappedLen]...)
	off += wrappedLen

	if len(b) < off+4+1 {
		return r, ErrMalformedMessage
	}
	r.SignedPreKeyID = getUint32(b[off : off+4])
	off += 4

	hasOTK := b[off] == 0x01
	off++
	r.HasOneTimePreKey = hasOTK
	if hasOTK {
		if len(b) < off+4 {
			return r, ErrMalformedMessage
		}
		r.OneTimePreKeyID = getUint32(b[off : off+4])
		off += 4
	}

	if len(b) < off+8+1 {
		return r, ErrMalformedMessage
	}
	r.SessionID = getUint64(b[off : off+8])
	off += 8

	hasMsg := b[off] == 0x01
	off++
	if hasMsg {
		if len(b) < off+4 {
			return r, ErrMalformedMessage
		}
		msgLen := int(getUint32(b[off : off+4]))
		off += 4
		if len(b) < off+msgLen {
			return r, ErrMalformedMessage
		}
		msg, err := DecodeSessionMessage(b[off : off+msgLen])
		if err != nil {
			return r, err
		}
		r.FirstMessage = &msg
		off += msgLen
	}

	if len(b) < off+2 {
		return r, ErrMalformedMessage
	}
	sigLen := int(getUint16(b[off : off+2]))
	off += 2
	if len(b) < off+sigLen {
		return r, ErrMalformedMessage
	}
	r.OuterSignature = append([]byte{}, b[off:off+sigLen]...)
	return r, nil
}

// GetBundleRequest asks a provider for the current published identity
// bundle of Address, the wire form of the GetBundle operation.
type GetBundleRequest struct {
	Address identity.Address
}

func (r GetBundleRequest) Encode() []byte {
	out := make([]byte, len(r.Address))
	copy(out, r.Address[:])
	return out
}

func DecodeGetBundleRequest(b []byte) (GetBundleRequest, error) {
	if len(b) != 20 {
		return GetBundleRequest{}, ErrMalformedMessage
	}
	var r GetBundleRequest
	copy(r.Address[:], b)
	return r, nil
}

// GetBundleResponse carries the requested bundle's canonical encoding
// (identity.Bundle.Encode output), or Found=false if the provider has
// none on file for the requested address.
type GetBundleResponse struct {
	Found  bool
	Bundle []byte
}

func (r GetBundleResponse) Encode() []byte {
	if !r.Found {
		return []byte{0x00}
	}
	out := make([]byte, 1+len(r.Bundle))
	out[0] = 0x01
	copy(out[1:], r.Bundle)
	return out
}

func DecodeGetBundleResponse(b []byte) (GetBundleResponse, error) {
	if len(b) < 1 {
		return GetBundleResponse{}, ErrMalformedMessage
	}
	if b[0] == 0x00 {
		return GetBundleResponse{Found: false}, nil
	}
	return GetBundleResponse{Found: true, Bundle: append([]byte{}, b[1:]...)}, nil
}

// Ack acknowledges successful delivery and ratchet decryption of a
// message.
type Ack struct {
	SessionID uint64
	MessageNum uint32
}

func (a Ack) Encode() []byte {
	out := make([]byte, 12)
	putUint64(out[0:8], a.SessionID)
	putUint32(out[8:12], a.MessageNum)
	return out
}

func DecodeAck(b []byte) (Ack, error) {
	if len(b) != 12 {
		return Ack{}, ErrMalformedMessage
	}
	return Ack{SessionID: getUint64(b[0:8]), MessageNum: getUint32(b[8:12])}, nil
}

// Nack rejects a message. Reason is one of the coarse NackReason values,
// never a detailed cause, so a remote peer cannot use the rejection
// itself as a decryption oracle.
type Nack struct {
	SessionID uint64
	Reason    NackReason
}

func (n Nack) Encode() []byte {
	out := make([]byte, 9)
	putUint64(out[0:8], n.SessionID)
	out[8] = byte(n.Reason)
	return out
}

func DecodeNack(b []byte) (Nack, error) {
	if len(b) != 9 {
		return Nack{}, ErrMalformedMessage
	}
	return Nack{SessionID: getUint64(b[0:8]), Reason: NackReason(b[8])}, nil
}
