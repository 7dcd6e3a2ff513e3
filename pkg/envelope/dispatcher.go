package envelope

import (
	"context"
	"errors"
	"fmt"
)

// PeerID is the transport-layer identifier a WireMessage arrived over
// (a libp2p peer id in production; see pkg/transport). It carries no
// cryptographic identity — that is established, if at all, only after a
// session's X2DH handshake completes.
type PeerID string

// HandlerFunc processes one decoded wire message and optionally returns
// a response to send back over the same transport stream.
type HandlerFunc func(ctx context.Context, peer PeerID, msg WireMessage) (*WireMessage, error)

var ErrNoHandler = errors.New("envelope: no handler registered for type tag")

// Dispatcher routes inbound wire messages to a handler by type tag. It
// holds no package-level state — every instance is built explicitly by
// its owner (pkg/supervisor), so there is no global handler registry;
// routing is an explicit, composable table rather than a switch on the
// header's type.
type Dispatcher struct {
	handlers map[TypeTag]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[TypeTag]HandlerFunc)}
}

// Register binds a handler to a type tag. Registering the same tag twice
// replaces the previous handler.
func (d *Dispatcher) Register(t TypeTag, h HandlerFunc) {
	d.handlers[t] = h
}

// Dispatch decodes raw bytes into a WireMessage and invokes the
// registered handler for its type tag, reassembling fragments first if
// the fragmented flag is set.
func (d *Dispatcher) Dispatch(ctx context.Context, peer PeerID, raw []byte) (*WireMessage, error) {
	msg, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	if msg.Header.HasFlag(FlagFragmented) {
		reassembled, err := Reassemble(msg.Payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = reassembled
	}

	h, ok := d.handlers[msg.Header.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrNoHandler, msg.Header.Type)
	}
	return h(ctx, peer, msg)
}
