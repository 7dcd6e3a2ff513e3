package envelope

// WireMessage is a full framed message: a cleartext Header followed by a
// type-specific Payload. Payload is opaque at this layer; see message.go
// for the variants the dispatcher understands.
type WireMessage struct {
	Header  Header
	Payload []byte
}

// Encode serializes a full wire message.
func (w WireMessage) Encode() []byte {
	w.Header.Length = uint32(len(w.Payload))
	out := make([]byte, 0, HeaderSize+len(w.Payload))
	out = append(out, w.Header.Encode()...)
	out = append(out, w.Payload...)
	return out
}

// Decode parses a full wire message from raw bytes.
func Decode(b []byte) (WireMessage, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return WireMessage{}, err
	}
	body := b[HeaderSize:]
	if uint32(len(body)) < h.Length {
		return WireMessage{}, ErrTruncatedPayload
	}
	return WireMessage{Header: h, Payload: body[:h.Length]}, nil
}

// New builds a WireMessage of the given type from an already-encoded
// payload, copying flags into the header as given. It does not fragment
// the payload; Fragment does that.
func New(typ TypeTag, flags uint8, payload []byte) WireMessage {
	return WireMessage{
		Header: Header{
			Magic:   Magic,
			Version: Version,
			Type:    typ,
			Flags:   flags,
			Length:  uint32(len(payload)),
		},
		Payload: payload,
	}
}
