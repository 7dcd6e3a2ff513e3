package transport

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/snp-net/snp-core/pkg/envelope"
	"github.com/snp-net/snp-core/pkg/identity"
	"github.com/snp-net/snp-core/pkg/ledger"
	"github.com/snp-net/snp-core/pkg/supervisor"
)

// Server binds a supervisor.Node and a ledger.Ledger to an already
// constructed libp2p host, the same explicit-composition-at-startup
// discipline pkg/supervisor itself follows: nothing registers itself
// against a package-level host, a caller builds one Server per host.
type Server struct {
	host host.Host
	node *supervisor.Node
	lg   ledger.Ledger

	mu          sync.Mutex
	subscribers map[identity.Address][]network.Stream
}

// NewServer wires h's stream handlers to node and lg and returns the
// Server managing them.
func NewServer(h host.Host, node *supervisor.Node, lg ledger.Ledger) *Server {
	s := &Server{
		host:        h,
		node:        node,
		lg:          lg,
		subscribers: make(map[identity.Address][]network.Stream),
	}
	h.SetStreamHandler(ProtocolSession, s.handleSession)
	h.SetStreamHandler(ProtocolBundle, s.handleBundle)
	h.SetStreamHandler(ProtocolSubscribe, s.handleSubscribe)
	return s
}

func (s *Server) handleSession(stream network.Stream) {
	defer stream.Close()

	raw, err := readFramed(stream)
	if err != nil {
		return
	}
	reply, err := s.node.HandleWire(context.Background(), envelope.PeerID(stream.Conn().RemotePeer().String()), raw)
	if err != nil || reply == nil {
		return
	}
	_ = writeFramed(stream, reply.Encode())
}

func (s *Server) handleBundle(stream network.Stream) {
	defer stream.Close()

	raw, err := readFramed(stream)
	if err != nil {
		return
	}
	wire, err := envelope.Decode(raw)
	if err != nil || wire.Header.Type != envelope.TypeGetBundleRequest {
		return
	}
	req, err := envelope.DecodeGetBundleRequest(wire.Payload)
	if err != nil {
		return
	}

	var resp envelope.GetBundleResponse
	bundle, err := s.lg.LookupBundle(context.Background(), req.Address)
	if err == nil {
		resp = envelope.GetBundleResponse{Found: true, Bundle: bundle.Encode()}
	} else {
		resp = envelope.GetBundleResponse{Found: false}
	}

	out := envelope.New(envelope.TypeGetBundleResponse, 0, resp.Encode())
	_ = writeFramed(stream, out.Encode())
}

// handleSubscribe registers stream as an open SubscribeMessages channel
// for whichever address its first frame names, and leaves it open:
// delivery happens later, from Deliver, not from anything read off this
// stream again.
func (s *Server) handleSubscribe(stream network.Stream) {
	var addrBuf [20]byte
	raw, err := readFramed(stream)
	if err != nil || len(raw) < envelope.HeaderSize {
		stream.Close()
		return
	}
	wire, err := envelope.Decode(raw)
	if err != nil || len(wire.Payload) != len(addrBuf) {
		stream.Close()
		return
	}
	var addr identity.Address
	copy(addr[:], wire.Payload)

	s.mu.Lock()
	s.subscribers[addr] = append(s.subscribers[addr], stream)
	s.mu.Unlock()
}

// Deliver pushes wire, wrapped as a TypeSubscribeNotify envelope, to
// every stream currently subscribed for addr. A write failure drops that
// stream from the subscriber list; it does not fail the other
// subscribers' deliveries.
func (s *Server) Deliver(addr identity.Address, wire envelope.WireMessage) {
	notify := envelope.New(envelope.TypeSubscribeNotify, 0, wire.Encode())
	encoded := notify.Encode()

	s.mu.Lock()
	streams := s.subscribers[addr]
	s.mu.Unlock()

	live := streams[:0]
	for _, st := range streams {
		if err := writeFramed(st, encoded); err != nil {
			st.Close()
			continue
		}
		live = append(live, st)
	}

	s.mu.Lock()
	s.subscribers[addr] = live
	s.mu.Unlock()
}

// Close tears down every open subscriber stream.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, streams := range s.subscribers {
		for _, st := range streams {
			st.Close()
		}
	}
	s.subscribers = make(map[identity.Address][]network.Stream)
	return nil
}
