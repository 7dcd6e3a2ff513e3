package supervisor

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/snp-net/snp-core/pkg/envelope"
	"github.com/snp-net/snp-core/pkg/identity"
	"github.com/snp-net/snp-core/pkg/ratchet"
	"github.com/snp-net/snp-core/pkg/session"
	"github.com/snp-net/snp-core/pkg/x2dh"
)

// Send encrypts payload under typeTag and returns the wire message a
// transport should deliver to peerAddr. It starts a fresh X2DH handshake
// if no session exists yet for peerAddr, and otherwise advances the
// existing Double Ratchet.
func (n *Node) Send(ctx context.Context, peerAddr identity.Address, typeTag envelope.TypeTag, payload []byte) (*envelope.WireMessage, error) {
	lock := n.peerLock(peerAddr)
	lock.Lock()
	defer lock.Unlock()

	_, _, _, _, _, err := n.sessions.Get(peerAddr)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return n.sendInitialLocked(ctx, peerAddr, typeTag, payload)
	case err != nil:
		return nil, err
	default:
		return n.sendContinuationLocked(peerAddr, typeTag, payload)
	}
}

// RefreshIfStale looks up peerAddr's current published bundle and, if the
// session on file was built from an older one, retires that session so
// that the next Send runs a fresh X2DH handshake against the new bundle.
// It sends nothing itself. Callers invoke this explicitly — e.g.
// before a long-idle conversation resumes — rather than on every Send,
// since it costs a ledger round trip.
func (n *Node) RefreshIfStale(ctx context.Context, peerAddr identity.Address) error {
	lock := n.peerLock(peerAddr)
	lock.Lock()
	defer lock.Unlock()

	peerBundle, err := n.ledger.LookupBundle(ctx, peerAddr)
	if err != nil {
		return fmt.Errorf("supervisor: look up peer bundle: %w", err)
	}
	fresh, err := n.sessions.Freshest(peerAddr, peerBundle.Timestamp)
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	return n.sessions.Retire(peerAddr)
}

func (n *Node) sendInitialLocked(ctx context.Context, peerAddr identity.Address, typeTag envelope.TypeTag, payload []byte) (*envelope.WireMessage, error) {
	peerBundle, err := n.ledger.LookupBundle(ctx, peerAddr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: look up peer bundle: %w", err)
	}

	out, err := x2dh.Initiate(n.self, peerBundle)
	if err != nil {
		return nil, fmt.Errorf("supervisor: x2dh initiate: %w", err)
	}

	rstate, err := ratchet.NewInitiator(out.Result.SK, out.Ephemeral, peerBundle.SignedPreKeyPublic)
	if err != nil {
		return nil, fmt.Errorf("supervisor: ratchet init: %w", err)
	}

	sessionID, err := randomSessionID()
	if err != nil {
		return nil, err
	}

	typed := envelope.TypedMessage{
		TimestampNS:      uint64(time.Now().UnixNano()),
		TypeTag:          typeTag,
		Payload:          payload,
		SenderIdentity:   append(ed25519.PublicKey{}, n.self.Signing.Public...),
		ReceiverIdentity: append(ed25519.PublicKey{}, peerBundle.SigningPublic...),
	}
	typed.Sign(n.self.Signing.Private)

	header, ciphertext, err := rstate.Encrypt(typed.Encode(), out.Result.AD)
	if err != nil {
		return nil, fmt.Errorf("supervisor: ratchet encrypt: %w", err)
	}

	req := envelope.InitialRequest{
		Ephemeral:       out.Ephemeral.Public,
		WrappedIdentity: out.WrappedIdentity,
		SignedPreKeyID:  peerBundle.SignedPreKeyID,
		SessionID:       sessionID,
		FirstMessage: &envelope.SessionMessage{
			SessionID:     sessionID,
			RatchetHeader: header.Encode(),
			Ciphertext:    ciphertext,
		},
	}
	if peerBundle.HasOneTimePreKey {
		req.HasOneTimePreKey = true
		req.OneTimePreKeyID = peerBundle.OneTimePreKeyID
	}
	req.Sign(n.self.Signing.Private)

	if err := n.sessions.Put(peerAddr, peerBundle.SigningPublic, sessionID, rstate, out.Result.AD, peerBundle.Timestamp); err != nil {
		return nil, fmt.Errorf("supervisor: persist session: %w", err)
	}
	if n.metrics != nil {
		n.metrics.SessionCreated()
	}

	w := envelope.New(envelope.TypeNewSessionRequest, 0, req.Encode())
	return &w, nil
}

func (n *Node) sendContinuationLocked(peerAddr identity.Address, typeTag envelope.TypeTag, payload []byte) (*envelope.WireMessage, error) {
	rstate, peerSigningPublic, sessionID, ad, bundleTS, err := n.sessions.Get(peerAddr)
	if err != nil {
		return nil, err
	}

	typed := envelope.TypedMessage{
		TimestampNS:      uint64(time.Now().UnixNano()),
		TypeTag:          typeTag,
		Payload:          payload,
		SenderIdentity:   append(ed25519.PublicKey{}, n.self.Signing.Public...),
		ReceiverIdentity: append(ed25519.PublicKey{}, peerSigningPublic...),
	}
	typed.Sign(n.self.Signing.Private)

	header, ciphertext, err := rstate.Encrypt(typed.Encode(), ad)
	if err != nil {
		return nil, fmt.Errorf("supervisor: ratchet encrypt: %w", err)
	}

	sessMsg := envelope.SessionMessage{
		SessionID:     sessionID,
		RatchetHeader: header.Encode(),
		Ciphertext:    ciphertext,
	}

	if err := n.sessions.Put(peerAddr, peerSigningPublic, sessionID, rstate, ad, bundleTS); err != nil {
		return nil, fmt.Errorf("supervisor: persist session: %w", err)
	}

	w := envelope.New(envelope.TypeMessage, 0, sessMsg.Encode())
	return &w, nil
}
