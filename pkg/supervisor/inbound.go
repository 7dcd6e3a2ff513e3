package supervisor

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/snp-net/snp-core/pkg/envelope"
	"github.com/snp-net/snp-core/pkg/identity"
	"github.com/snp-net/snp-core/pkg/ratchet"
	"github.com/snp-net/snp-core/pkg/x2dh"
)

func nackWireMessage(sessionID uint64, reason envelope.NackReason) *envelope.WireMessage {
	w := envelope.New(envelope.TypeNack, 0, envelope.Nack{SessionID: sessionID, Reason: reason}.Encode())
	return &w
}

// handleInitialRequest answers the first TypeNewSessionRequest a peer
// ever sends: it recovers the shared secret via X2DH, stands up Double
// Ratchet state as responder, decrypts and verifies the piggybacked first
// message, binds the outer signature to the identity recovered from
// inside it, dispatches the decrypted payload, and persists the new
// session.
func (n *Node) handleInitialRequest(ctx context.Context, peer envelope.PeerID, msg envelope.WireMessage) (*envelope.WireMessage, error) {
	req, err := envelope.DecodeInitialRequest(msg.Payload)
	if err != nil {
		return nackWireMessage(0, envelope.ReasonMalformed), nil
	}

	if req.SignedPreKeyID != n.signedPreKey.ID {
		return nackWireMessage(req.SessionID, envelope.ReasonUnknownSession), nil
	}

	var otp *identity.OneTimePreKey
	if req.HasOneTimePreKey {
		selfAddr := identity.AddressOf(n.self.Signing.Public)
		consumed, ok := n.ownPreKeys.ConsumeID(selfAddr, req.OneTimePreKeyID)
		if !ok {
			return nackWireMessage(req.SessionID, envelope.ReasonUnknownSession), nil
		}
		otp = consumed
	}

	result, err := x2dh.Respond(n.self, n.signedPreKey, otp, req.Ephemeral, req.WrappedIdentity)
	if err != nil {
		return nackWireMessage(req.SessionID, envelope.ReasonCryptoFailure), nil
	}

	if req.FirstMessage == nil {
		return nackWireMessage(req.SessionID, envelope.ReasonMalformed), nil
	}

	rstate := ratchet.NewResponder(result.SK, n.signedPreKey.DH)

	header, err := ratchet.DecodeHeader(req.FirstMessage.RatchetHeader)
	if err != nil {
		return nackWireMessage(req.SessionID, envelope.ReasonMalformed), nil
	}

	plaintext, err := rstate.Decrypt(header, req.FirstMessage.Ciphertext, result.AD)
	if err != nil {
		return n.nackForRatchetError(req.SessionID, err), nil
	}

	typed, err := envelope.DecodeTypedMessage(plaintext)
	if err != nil {
		return nackWireMessage(req.SessionID, envelope.ReasonMalformed), nil
	}
	if err := typed.VerifyInner(); err != nil {
		return nackWireMessage(req.SessionID, envelope.ReasonCryptoFailure), nil
	}
	if err := req.VerifyOuter(typed.SenderIdentity); err != nil {
		if n.metrics != nil {
			n.metrics.RejectIdentityMismatch()
		}
		return nackWireMessage(req.SessionID, envelope.ReasonCryptoFailure), nil
	}

	senderAddr := identity.AddressOf(typed.SenderIdentity)

	lock := n.peerLock(senderAddr)
	lock.Lock()
	defer lock.Unlock()

	appResp, appErr := n.dispatchApp(ctx, senderAddr, typed)

	var reply *envelope.WireMessage
	if appErr == nil && appResp != nil {
		appResp.TimestampNS = uint64(time.Now().UnixNano())
		appResp.SenderIdentity = ed25519.PublicKey(append([]byte{}, n.self.Signing.Public...))
		appResp.ReceiverIdentity = ed25519.PublicKey(append([]byte{}, typed.SenderIdentity...))
		appResp.Sign(n.self.Signing.Private)
		replyHeader, ciphertext, err := rstate.Encrypt(appResp.Encode(), result.AD)
		if err != nil {
			return nil, err
		}
		sessMsg := envelope.SessionMessage{
			SessionID:     req.SessionID,
			RatchetHeader: replyHeader.Encode(),
			Ciphertext:    ciphertext,
		}
		w := envelope.New(envelope.TypeNewSessionResponse, 0, sessMsg.Encode())
		reply = &w
	}

	if err := n.sessions.Put(senderAddr, typed.SenderIdentity, req.SessionID, rstate, result.AD, 0); err != nil {
		return nil, err
	}
	if n.metrics != nil {
		n.metrics.SessionCreated()
	}

	if appErr != nil {
		return nackWireMessage(req.SessionID, envelope.ReasonInternal), nil
	}
	if reply == nil {
		w := envelope.New(envelope.TypeAck, 0, envelope.Ack{SessionID: req.SessionID, MessageNum: 0}.Encode())
		return &w, nil
	}
	return reply, nil
}

// handleContinuation answers every subsequent TypeMessage envelope within
// an established session: it resolves the session by id, advances the
// ratchet (stepping the DH ratchet internally if the header names a new
// key), verifies the decrypted TypedMessage's inner signature, confirms
// the recovered sender identity still matches the identity the session
// was bound to at creation, dispatches, and persists.
func (n *Node) handleContinuation(ctx context.Context, peer envelope.PeerID, msg envelope.WireMessage) (*envelope.WireMessage, error) {
	sm, err := envelope.DecodeSessionMessage(msg.Payload)
	if err != nil {
		return nackWireMessage(0, envelope.ReasonMalformed), nil
	}

	peerAddr, err := n.sessions.PeerForSession(sm.SessionID)
	if err != nil {
		if n.metrics != nil {
			n.metrics.RejectUnknownSession()
		}
		return nackWireMessage(sm.SessionID, envelope.ReasonUnknownSession), nil
	}

	lock := n.peerLock(peerAddr)
	lock.Lock()
	defer lock.Unlock()

	rstate, peerSigningPublic, sessionID, ad, bundleTS, err := n.sessions.Get(peerAddr)
	if err != nil {
		return nil, err
	}

	header, err := ratchet.DecodeHeader(sm.RatchetHeader)
	if err != nil {
		return nackWireMessage(sm.SessionID, envelope.ReasonMalformed), nil
	}

	plaintext, err := rstate.Decrypt(header, sm.Ciphertext, ad)
	if err != nil {
		return n.nackForRatchetError(sm.SessionID, err), nil
	}

	typed, err := envelope.DecodeTypedMessage(plaintext)
	if err != nil {
		return nackWireMessage(sm.SessionID, envelope.ReasonMalformed), nil
	}
	if err := typed.VerifyInner(); err != nil {
		return nackWireMessage(sm.SessionID, envelope.ReasonCryptoFailure), nil
	}
	if !typed.SenderIdentity.Equal(peerSigningPublic) {
		if n.metrics != nil {
			n.metrics.RejectIdentityMismatch()
		}
		return nackWireMessage(sm.SessionID, envelope.ReasonCryptoFailure), nil
	}

	appResp, appErr := n.dispatchApp(ctx, peerAddr, typed)

	var reply *envelope.WireMessage
	if appErr == nil && appResp != nil {
		appResp.TimestampNS = uint64(time.Now().UnixNano())
		appResp.SenderIdentity = ed25519.PublicKey(append([]byte{}, n.self.Signing.Public...))
		appResp.ReceiverIdentity = ed25519.PublicKey(append([]byte{}, peerSigningPublic...))
		appResp.Sign(n.self.Signing.Private)
		replyHeader, ciphertext, err := rstate.Encrypt(appResp.Encode(), ad)
		if err != nil {
			return nil, err
		}
		sessMsg := envelope.SessionMessage{
			SessionID:     sessionID,
			RatchetHeader: replyHeader.Encode(),
			Ciphertext:    ciphertext,
		}
		w := envelope.New(envelope.TypeMessage, 0, sessMsg.Encode())
		reply = &w
	}

	if err := n.sessions.Put(peerAddr, peerSigningPublic, sessionID, rstate, ad, bundleTS); err != nil {
		return nil, err
	}

	if appErr != nil {
		return nackWireMessage(sessionID, envelope.ReasonInternal), nil
	}
	if reply == nil {
		w := envelope.New(envelope.TypeAck, 0, envelope.Ack{SessionID: sessionID, MessageNum: header.MessageNum}.Encode())
		return &w, nil
	}
	return reply, nil
}

func (n *Node) nackForRatchetError(sessionID uint64, err error) *envelope.WireMessage {
	switch {
	case errors.Is(err, ratchet.ErrDecryptAuth):
		if n.metrics != nil {
			n.metrics.RejectDecryptAuth()
		}
		return nackWireMessage(sessionID, envelope.ReasonCryptoFailure)
	case errors.Is(err, ratchet.ErrDuplicateOrOld):
		if n.metrics != nil {
			n.metrics.RejectDuplicateOrOld()
		}
		return nackWireMessage(sessionID, envelope.ReasonCryptoFailure)
	case errors.Is(err, ratchet.ErrSkipLimitExceeded):
		return nackWireMessage(sessionID, envelope.ReasonSkipLimitExceeded)
	default:
		return nackWireMessage(sessionID, envelope.ReasonInternal)
	}
}
