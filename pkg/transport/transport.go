// Package transport carries envelope.WireMessages over libp2p streams,
// one protocol ID per operation (GetBundle, NewSession/Message unary
// delivery, SubscribeMessages as a long-lived stream), using
// SetStreamHandler/NewStream request-response shape with the binary
// envelope.WireMessage wire format instead of a JSON-over-stream RPC
// envelope, and libp2p streams instead of raw net.Conn bookkeeping.
package transport

import (
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/snp-net/snp-core/pkg/envelope"
)

const (
	// ProtocolSession carries NewSessionRequest/Message envelopes (and
	// their Ack/Nack replies) to pkg/supervisor's HandleWire.
	ProtocolSession = protocol.ID("/snp/session/1.0.0")
	// ProtocolBundle carries GetBundleRequest/Response envelopes,
	// answered directly against a ledger.Ledger rather than a Node: bundle
	// lookup has no session to dispatch through.
	ProtocolBundle = protocol.ID("/snp/bundle/1.0.0")
	// ProtocolSubscribe is held open for the lifetime of a subscription;
	// the client's first frame names the address it subscribes as, and
	// the server pushes a TypeSubscribeNotify-wrapped envelope for every
	// message delivered to that address afterward.
	ProtocolSubscribe = protocol.ID("/snp/subscribe/1.0.0")
)

// readFramed reads one envelope.WireMessage's raw bytes off r: the
// fixed-size header, then exactly Length more bytes of payload, mirroring
// the teacher's length-prefixed protocol.Header framing but over a
// stream instead of a net.Conn.
func readFramed(r io.Reader) ([]byte, error) {
	header := make([]byte, envelope.HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	h, err := envelope.DecodeHeader(header)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	raw := make([]byte, 0, len(header)+len(payload))
	raw = append(raw, header...)
	raw = append(raw, payload...)
	return raw, nil
}

func writeFramed(w io.Writer, raw []byte) error {
	_, err := w.Write(raw)
	return err
}
