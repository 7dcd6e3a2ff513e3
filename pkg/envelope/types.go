// Package envelope implements the wire envelope and dispatcher:
// fixed-header framing, typed payload variants, and routing by type tag.
package envelope

import "errors"

// Magic and Version identify this wire format, the same role the
// teacher's ProtocolMagic/ProtocolVersion constants play.
const (
	Magic         uint32 = 0x534E5030 // "SNP0"
	Version       uint16 = 0x0001
	HeaderSize    int    = 16
)

// TypeTag identifies the payload variant carried by an envelope: the
// GetBundle/NewSession/Message/SubscribeMessages surface, plus the
// Ack/Nack pair the dispatcher uses for its own routing.
type TypeTag uint16

const (
	TypeGetBundleRequest  TypeTag = 0x0001
	TypeGetBundleResponse TypeTag = 0x0002
	TypeNewSessionRequest TypeTag = 0x0010
	TypeNewSessionResponse TypeTag = 0x0011
	TypeMessage           TypeTag = 0x0020
	TypeAck               TypeTag = 0x0030
	TypeNack              TypeTag = 0x0031
	TypeSubscribeNotify   TypeTag = 0x0040

	// TypeChatText is an application-level TypedMessage.TypeTag (not a
	// wire Header.Type): plain UTF-8 chat text, the tag cmd/snp-client and
	// cmd/snp-provider exchange as a demonstration handler. Higher-level
	// applications add tags like this one without touching Dispatcher.
	TypeChatText TypeTag = 0x0100
)

// Flag bits, an explicit bitset carried in Header.Flags.
const (
	FlagFragmented uint8 = 1 << iota
	FlagRequiresAck
)

// NackReason enumerates the dispatcher's wire-visible rejection reasons.
// Cryptographic failures collapse to ReasonCryptoFailure so a remote
// observer cannot distinguish a bad signature from a replay from a
// decryption failure.
type NackReason uint8

const (
	ReasonNone NackReason = iota
	ReasonCryptoFailure
	ReasonUnknownSession
	ReasonMalformed
	ReasonSkipLimitExceeded
	ReasonInternal
)

var (
	ErrMalformedHeader  = errors.New("envelope: malformed header")
	ErrWrongMagic       = errors.New("envelope: wrong protocol magic")
	ErrUnsupportedVersion = errors.New("envelope: unsupported protocol version")
	ErrTruncatedPayload = errors.New("envelope: truncated payload")
)

// Header is the fixed-size cleartext prefix of every wire message. It
// carries no identity field: only a type tag, flags, and a length, so no
// cleartext envelope field leaks who sent it.
type Header struct {
	Magic   uint32
	Version uint16
	Type    TypeTag
	Flags   uint8
	Length  uint32
}

// Encode writes the header's canonical 16-byte wire form.
func (h Header) Encode() []byte {
	out := make([]byte, HeaderSize)
	putUint32(out[0:4], h.Magic)
	putUint16(out[4:6], h.Version)
	putUint16(out[6:8], uint16(h.Type))
	out[8] = h.Flags
	putUint32(out[12:16], h.Length)
	return out
}

// DecodeHeader parses and validates a header's magic and version.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrMalformedHeader
	}
	h := Header{
		Magic:   getUint32(b[0:4]),
		Version: getUint16(b[4:6]),
		Type:    TypeTag(getUint16(b[6:8])),
		Flags:   b[8],
		Length:  getUint32(b[12:16]),
	}
	if h.Magic != Magic {
		return Header{}, ErrWrongMagic
	}
	if h.Version != Version {
		return Header{}, ErrUnsupportedVersion
	}
	return h, nil
}

func (h Header) HasFlag(flag uint8) bool { return h.Flags&flag != 0 }

// String renders a TypeTag for logs and metric labels.
func (t TypeTag) String() string {
	switch t {
	case TypeGetBundleRequest:
		return "get_bundle_request"
	case TypeGetBundleResponse:
		return "get_bundle_response"
	case TypeNewSessionRequest:
		return "new_session_request"
	case TypeNewSessionResponse:
		return "new_session_response"
	case TypeMessage:
		return "message"
	case TypeAck:
		return "ack"
	case TypeNack:
		return "nack"
	case TypeSubscribeNotify:
		return "subscribe_notify"
	case TypeChatText:
		return "chat_text"
	default:
		return "unknown"
	}
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func putUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
func getUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}
func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
