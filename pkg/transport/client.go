package transport

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/snp-net/snp-core/pkg/envelope"
	"github.com/snp-net/snp-core/pkg/identity"
	"github.com/snp-net/snp-core/pkg/ledger"
)

// Client issues the three unary operations and the one streaming
// operation against a remote peer's Server.
type Client struct {
	host host.Host
}

// NewClient wraps an already-constructed libp2p host for outbound use.
func NewClient(h host.Host) *Client {
	return &Client{host: h}
}

// SendSession delivers wire to p over ProtocolSession and returns
// whatever reply the remote supervisor.Node produced (an Ack, a Nack, or
// a NewSessionResponse/Message envelope carrying a piggybacked reply).
func (c *Client) SendSession(ctx context.Context, p peer.ID, wire envelope.WireMessage) (*envelope.WireMessage, error) {
	stream, err := c.host.NewStream(ctx, p, ProtocolSession)
	if err != nil {
		return nil, fmt.Errorf("transport: open session stream: %w", err)
	}
	defer stream.Close()

	if err := writeFramed(stream, wire.Encode()); err != nil {
		return nil, fmt.Errorf("transport: write session request: %w", err)
	}

	raw, err := readFramed(stream)
	if err != nil {
		return nil, fmt.Errorf("transport: read session reply: %w", err)
	}
	reply, err := envelope.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: decode session reply: %w", err)
	}
	return &reply, nil
}

// GetBundle fetches addr's current published bundle from p, returning
// ledger.ErrNotFound if p has none on file.
func (c *Client) GetBundle(ctx context.Context, p peer.ID, addr identity.Address) (*identity.Bundle, error) {
	stream, err := c.host.NewStream(ctx, p, ProtocolBundle)
	if err != nil {
		return nil, fmt.Errorf("transport: open bundle stream: %w", err)
	}
	defer stream.Close()

	req := envelope.GetBundleRequest{Address: addr}
	out := envelope.New(envelope.TypeGetBundleRequest, 0, req.Encode())
	if err := writeFramed(stream, out.Encode()); err != nil {
		return nil, fmt.Errorf("transport: write bundle request: %w", err)
	}

	raw, err := readFramed(stream)
	if err != nil {
		return nil, fmt.Errorf("transport: read bundle reply: %w", err)
	}
	wire, err := envelope.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: decode bundle reply: %w", err)
	}
	resp, err := envelope.DecodeGetBundleResponse(wire.Payload)
	if err != nil {
		return nil, fmt.Errorf("transport: decode bundle response: %w", err)
	}
	if !resp.Found {
		return nil, ledger.ErrNotFound
	}
	return identity.DecodeBundle(resp.Bundle)
}

// Subscribe opens a long-lived ProtocolSubscribe stream to p, naming self
// as the subscribing address, and returns a channel of inbound
// TypeSubscribeNotify-wrapped envelopes (already unwrapped to the
// original WireMessage) plus a closer. The channel closes when the
// stream errors or closer is called.
func (c *Client) Subscribe(ctx context.Context, p peer.ID, self identity.Address) (<-chan envelope.WireMessage, func() error, error) {
	stream, err := c.host.NewStream(ctx, p, ProtocolSubscribe)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: open subscribe stream: %w", err)
	}

	hello := envelope.New(envelope.TypeSubscribeNotify, 0, self[:])
	if err := writeFramed(stream, hello.Encode()); err != nil {
		stream.Close()
		return nil, nil, fmt.Errorf("transport: send subscribe hello: %w", err)
	}

	ch := make(chan envelope.WireMessage, 16)
	go func() {
		defer close(ch)
		for {
			raw, err := readFramed(stream)
			if err != nil {
				return
			}
			notify, err := envelope.Decode(raw)
			if err != nil || notify.Header.Type != envelope.TypeSubscribeNotify {
				return
			}
			inner, err := envelope.Decode(notify.Payload)
			if err != nil {
				return
			}
			select {
			case ch <- inner:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, stream.Close, nil
}
