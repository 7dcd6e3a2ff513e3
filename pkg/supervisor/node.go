// Package supervisor composes identity, x2dh, ratchet, session storage,
// envelope dispatch, and the ledger into the single entry point a
// transport calls for every inbound wire message. A Node is built once at
// startup with everything it needs and every handler is registered
// against it explicitly — there is no global registry or init()-time
// wiring; each command binary constructs its own Node, session store, and
// ledger by hand and passes them to each other directly.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/snp-net/snp-core/pkg/crypto"
	"github.com/snp-net/snp-core/pkg/envelope"
	"github.com/snp-net/snp-core/pkg/identity"
	"github.com/snp-net/snp-core/pkg/ledger"
	"github.com/snp-net/snp-core/pkg/session"
)

var (
	ErrNoAppHandler             = errors.New("supervisor: no application handler registered for type tag")
	ErrHandlerAlreadyRegistered = errors.New("supervisor: handler already registered for type tag")
)

// AppHandlerFunc processes one decrypted, signature-verified TypedMessage
// and optionally returns a reply to encrypt and send back within the same
// session, dispatched by type tag once a message has cleared every
// cryptographic check.
type AppHandlerFunc func(ctx context.Context, sender identity.Address, msg envelope.TypedMessage) (*envelope.TypedMessage, error)

// Metrics receives counters from Node's protocol operations. A nil
// Metrics is valid — every call site checks before using it — so
// pkg/supervisor never depends on pkg/metrics being wired up.
type Metrics interface {
	SessionCreated()
	SessionRatcheted()
	MessageDispatched(tag envelope.TypeTag)
	RejectDecryptAuth()
	RejectDuplicateOrOld()
	RejectUnknownSession()
	RejectIdentityMismatch()
}

// Node composes one identity's full protocol stack: its own long-term and
// medium-term keys, the session store, the published-bundle ledger, and
// the wire-level dispatcher that routes inbound envelopes to it.
type Node struct {
	self         *identity.KeyPair
	signedPreKey *identity.PreKey
	ownPreKeys   *identity.PreKeyStore

	sessions *session.Store
	ledger   ledger.Ledger
	metrics  Metrics

	wire *envelope.Dispatcher

	mu    sync.Mutex
	apps  map[envelope.TypeTag]AppHandlerFunc
	locks map[identity.Address]*sync.Mutex
}

// NewNode builds a Node and registers its two wire-level handlers
// (InitialRequest and session continuation). signedPreKey is this node's
// own current signed pre-key — its private half answers inbound
// InitialRequests — and ownPreKeys holds this node's unconsumed one-time
// pre-keys, each consumed by id when an inbound InitialRequest names it.
func NewNode(self *identity.KeyPair, signedPreKey *identity.PreKey, ownPreKeys *identity.PreKeyStore, sessions *session.Store, lg ledger.Ledger, m Metrics) *Node {
	n := &Node{
		self:         self,
		signedPreKey: signedPreKey,
		ownPreKeys:   ownPreKeys,
		sessions:     sessions,
		ledger:       lg,
		metrics:      m,
		wire:         envelope.NewDispatcher(),
		apps:         make(map[envelope.TypeTag]AppHandlerFunc),
		locks:        make(map[identity.Address]*sync.Mutex),
	}
	n.wire.Register(envelope.TypeNewSessionRequest, n.handleInitialRequest)
	n.wire.Register(envelope.TypeMessage, n.handleContinuation)
	return n
}

// RegisterHandler binds h to tag for decrypted TypedMessage payloads
// carrying that type. Registering the same tag twice is a startup error,
// not a silent overwrite: this keys the inner TypedMessage.TypeTag, one
// layer above envelope.Dispatcher's outer wire Header.Type routing.
func (n *Node) RegisterHandler(tag envelope.TypeTag, h AppHandlerFunc) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.apps[tag]; exists {
		return fmt.Errorf("%w: %#x", ErrHandlerAlreadyRegistered, tag)
	}
	n.apps[tag] = h
	return nil
}

// HandleWire is the single entry point a transport calls for every
// inbound wire message, regardless of which protocol stage it belongs to.
func (n *Node) HandleWire(ctx context.Context, peer envelope.PeerID, raw []byte) (*envelope.WireMessage, error) {
	return n.wire.Dispatch(ctx, peer, raw)
}

// peerLock returns the mutex serializing session mutations for addr,
// creating one on first use. The store's own transactions make each
// individual read or write atomic, but a load-mutate-store sequence
// (ratchet step, then persist) still needs an application-level lock to
// stay atomic as a whole.
func (n *Node) peerLock(addr identity.Address) *sync.Mutex {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		n.locks[addr] = l
	}
	return l
}

func (n *Node) dispatchApp(ctx context.Context, sender identity.Address, msg envelope.TypedMessage) (*envelope.TypedMessage, error) {
	n.mu.Lock()
	h, ok := n.apps[msg.TypeTag]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrNoAppHandler, msg.TypeTag)
	}
	if n.metrics != nil {
		n.metrics.MessageDispatched(msg.TypeTag)
	}
	return h(ctx, sender, msg)
}

// randomSessionID draws a fresh 64-bit session handle. It is a random
// opaque value, never derived from either party's identity, so it carries
// no information about who the session is between.
func randomSessionID() (uint64, error) {
	b, err := crypto.GenerateNonce(8)
	if err != nil {
		return 0, err
	}
	var id uint64
	for _, c := range b {
		id = id<<8 | uint64(c)
	}
	return id, nil
}
