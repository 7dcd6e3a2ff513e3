// Package ratchet implements the Double Ratchet algorithm: root/chain
// KDF split, per-message key derivation, skipped-key caching for
// out-of-order delivery, and the DH ratchet step, triggered whenever the
// observed remote DH public key changes.
package ratchet

import (
	"errors"

	"github.com/snp-net/snp-core/pkg/crypto"
)

// MaxSkip bounds how many message keys may be buffered per session while
// waiting for out-of-order messages to arrive.
const MaxSkip = 1000

// MaxGlobalSkippedKeys bounds the total number of skipped keys buffered
// across all sessions, independent of the per-session MaxSkip.
const MaxGlobalSkippedKeys = 20000

var (
	ErrInvalidHeader     = errors.New("ratchet: malformed message header")
	ErrDuplicateOrOld    = errors.New("ratchet: message already delivered or too old")
	ErrDecryptAuth       = errors.New("ratchet: AEAD authentication failed")
	ErrSkipLimitExceeded = errors.New("ratchet: too many skipped messages")
)

type (
	rootKey  [32]byte
	chainKey [32]byte
)

// messageKeyID identifies a buffered out-of-order message key.
type messageKeyID struct {
	dhPublic [32]byte
	msgNum   uint32
}

// Header is the per-message ratchet metadata carried alongside the
// ciphertext, outside AEAD encryption but inside the envelope's
// associated data.
type Header struct {
	DHPublic     [32]byte
	PreviousChainLen uint32
	MessageNum       uint32
}

// Encode produces the 40-byte canonical wire form of a header, matching
// the teacher's fixed-width encoding.
func (h Header) Encode() []byte {
	out := make([]byte, 40)
	copy(out[0:32], h.DHPublic[:])
	putUint32(out[32:36], h.PreviousChainLen)
	putUint32(out[36:40], h.MessageNum)
	return out
}

// DecodeHeader parses a 40-byte wire header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != 40 {
		return Header{}, ErrInvalidHeader
	}
	var h Header
	copy(h.DHPublic[:], b[0:32])
	h.PreviousChainLen = getUint32(b[32:36])
	h.MessageNum = getUint32(b[36:40])
	return h, nil
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

// State is a single peer's Double Ratchet session state.
type State struct {
	rootKey rootKey

	sendingChain   chainKey
	sendingMsgNum  uint32
	haveSendingChain bool

	receivingChain   chainKey
	receivingMsgNum  uint32
	haveReceivingChain bool

	dhSelf   *crypto.DHKeyPair
	dhRemote [32]byte
	haveDHRemote bool

	previousChainLen uint32

	skipped map[messageKeyID][32]byte
	skippedOrder []messageKeyID // FIFO for global eviction
}

// NewInitiator creates ratchet state for the party that ran X2DH as
// initiator: it knows the responder's signed-pre-key public as the
// initial remote DH key and immediately derives a sending chain.
func NewInitiator(sk [32]byte, dhSelf *crypto.DHKeyPair, remoteDH [32]byte) (*State, error) {
	s := &State{
		dhSelf:   dhSelf,
		dhRemote: remoteDH,
		haveDHRemote: true,
		skipped:  make(map[messageKeyID][32]byte),
	}
	copy(s.rootKey[:], sk[:])

	dhOut, err := crypto.DH(dhSelf.Private, remoteDH)
	if err != nil {
		return nil, err
	}
	newRoot, sendChain, err := kdfRK(s.rootKey, dhOut)
	if err != nil {
		return nil, err
	}
	s.rootKey = newRoot
	s.sendingChain = sendChain
	s.haveSendingChain = true
	return s, nil
}

// NewResponder creates ratchet state for the party that ran X2DH as
// responder. dhSelf is the signed-pre-key pair used during X2DH; the
// receiving chain is derived lazily on the first DH ratchet step once the
// initiator's ephemeral key is observed, mirroring the teacher's
// NewRatchetStateReceiver plus its session-manager initial-DH wiring.
func NewResponder(sk [32]byte, dhSelf *crypto.DHKeyPair) *State {
	s := &State{
		dhSelf:  dhSelf,
		skipped: make(map[messageKeyID][32]byte),
	}
	copy(s.rootKey[:], sk[:])
	return s
}

func kdfRK(root rootKey, dhOut [32]byte) (rootKey, chainKey, error) {
	out, err := crypto.HKDF(root[:], dhOut[:], []byte("snp/root"), 64)
	if err != nil {
		return rootKey{}, chainKey{}, err
	}
	var newRoot rootKey
	var chain chainKey
	copy(newRoot[:], out[:32])
	copy(chain[:], out[32:64])
	return newRoot, chain, nil
}

func kdfCK(ck chainKey) (chainKey, [32]byte) {
	msgKey := crypto.HMACSHA256(ck[:], []byte{0x01})
	nextChain := crypto.HMACSHA256(ck[:], []byte{0x02})
	var mk [32]byte
	var nc chainKey
	copy(mk[:], msgKey)
	copy(nc[:], nextChain)
	return nc, mk
}

// ratchetStep performs a DH ratchet step when the observed remote DH
// public key differs from the one currently tracked (triggered by key
// change, not by a zero message counter).
func (s *State) ratchetStep(remoteDH [32]byte) error {
	s.previousChainLen = s.sendingMsgNum

	dhOut, err := crypto.DH(s.dhSelf.Private, remoteDH)
	if err != nil {
		return err
	}
	newRoot, recvChain, err := kdfRK(s.rootKey, dhOut)
	if err != nil {
		return err
	}
	s.rootKey = newRoot
	s.receivingChain = recvChain
	s.haveReceivingChain = true
	s.receivingMsgNum = 0

	s.dhRemote = remoteDH
	s.haveDHRemote = true

	newSelf, err := crypto.GenerateDHKeyPair()
	if err != nil {
		return err
	}
	s.dhSelf = newSelf

	dhOut, err = crypto.DH(s.dhSelf.Private, s.dhRemote)
	if err != nil {
		return err
	}
	newRoot, sendChain, err := kdfRK(s.rootKey, dhOut)
	if err != nil {
		return err
	}
	s.rootKey = newRoot
	s.sendingChain = sendChain
	s.haveSendingChain = true
	s.sendingMsgNum = 0

	return nil
}

// Encrypt advances the sending chain by one step and AEAD-seals
// plaintext, returning the header to send alongside the ciphertext.
// State does not mutate until the AEAD seal has succeeded.
func (s *State) Encrypt(plaintext, ad []byte) (Header, []byte, error) {
	if !s.haveSendingChain {
		return Header{}, nil, errors.New("ratchet: no sending chain established")
	}

	nextChain, msgKey := kdfCK(s.sendingChain)

	header := Header{
		DHPublic:         s.dhSelf.Public,
		PreviousChainLen: s.previousChainLen,
		MessageNum:       s.sendingMsgNum,
	}

	aad := append(append([]byte{}, ad...), header.Encode()...)
	ciphertext, err := crypto.AEADSeal(msgKey, plaintext, aad)
	if err != nil {
		return Header{}, nil, err
	}

	s.sendingChain = nextChain
	s.sendingMsgNum++

	return header, ciphertext, nil
}

// Decrypt processes an incoming header+ciphertext, performing a DH
// ratchet step if the header's DH key is new, and skipping ahead through
// any out-of-order gap. Every candidate ratchet/chain advance happens on
// a scratch copy of the state; nothing is committed back to s until
// AEADOpen has actually verified the tag, so a corrupted ciphertext —
// even one that would have triggered a DH ratchet turnover or consumed a
// skipped key — leaves s byte-identical to its pre-call value.
func (s *State) Decrypt(header Header, ciphertext, ad []byte) ([]byte, error) {
	aad := append(append([]byte{}, ad...), header.Encode()...)

	if mk, ok := s.peekSkipped(header.DHPublic, header.MessageNum); ok {
		plaintext, err := crypto.AEADOpen(mk, ciphertext, aad)
		if err != nil {
			return nil, ErrDecryptAuth
		}
		s.removeSkipped(header.DHPublic, header.MessageNum)
		return plaintext, nil
	}

	work := s.clone()

	needsRatchet := !work.haveDHRemote || header.DHPublic != work.dhRemote

	if needsRatchet {
		// Buffer any remaining keys on the current receiving chain
		// before replacing it, so already-in-flight messages on the old
		// chain can still be delivered late.
		if work.haveReceivingChain {
			if err := work.skipMessageKeys(work.dhRemoteOrZero(), work.receivingMsgNum, header.PreviousChainLen); err != nil {
				return nil, err
			}
		}
		if err := work.ratchetStep(header.DHPublic); err != nil {
			return nil, err
		}
	}

	if header.MessageNum < work.receivingMsgNum {
		return nil, ErrDuplicateOrOld
	}

	if err := work.skipMessageKeys(header.DHPublic, work.receivingMsgNum, header.MessageNum); err != nil {
		return nil, err
	}

	nextChain, msgKey := kdfCK(work.receivingChain)
	plaintext, err := crypto.AEADOpen(msgKey, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptAuth
	}

	work.receivingChain = nextChain
	work.receivingMsgNum++

	s.commit(work)

	return plaintext, nil
}

// clone returns a deep copy of s, used to stage a candidate ratchet
// advance that is only committed once AEADOpen confirms the incoming
// ciphertext is genuine.
func (s *State) clone() *State {
	c := &State{
		rootKey:            s.rootKey,
		sendingChain:       s.sendingChain,
		sendingMsgNum:      s.sendingMsgNum,
		haveSendingChain:   s.haveSendingChain,
		receivingChain:     s.receivingChain,
		receivingMsgNum:    s.receivingMsgNum,
		haveReceivingChain: s.haveReceivingChain,
		dhRemote:           s.dhRemote,
		haveDHRemote:       s.haveDHRemote,
		previousChainLen:   s.previousChainLen,
		skipped:            make(map[messageKeyID][32]byte, len(s.skipped)),
		skippedOrder:       append([]messageKeyID{}, s.skippedOrder...),
	}
	if s.dhSelf != nil {
		dh := *s.dhSelf
		c.dhSelf = &dh
	}
	for id, mk := range s.skipped {
		c.skipped[id] = mk
	}
	return c
}

// commit replaces s's fields with work's, the only place a Decrypt call
// is allowed to mutate s.
func (s *State) commit(work *State) {
	*s = *work
}

func (s *State) dhRemoteOrZero() [32]byte {
	if s.haveDHRemote {
		return s.dhRemote
	}
	return [32]byte{}
}

// skipMessageKeys derives and buffers message keys for [from, to) on the
// current receiving chain, rejecting a gap wider than MaxSkip.
func (s *State) skipMessageKeys(dhPublic [32]byte, from, to uint32) error {
	if to < from {
		return nil
	}
	if to-from > MaxSkip {
		return ErrSkipLimitExceeded
	}
	if !s.haveReceivingChain {
		return nil
	}

	for n := from; n < to; n++ {
		nextChain, msgKey := kdfCK(s.receivingChain)
		id := messageKeyID{dhPublic: dhPublic, msgNum: n}
		s.skipped[id] = msgKey
		s.skippedOrder = append(s.skippedOrder, id)
		s.receivingChain = nextChain
		s.receivingMsgNum = n + 1

		s.evictOldestSkippedIfNeeded()
	}
	return nil
}

func (s *State) evictOldestSkippedIfNeeded() {
	for len(s.skippedOrder) > MaxGlobalSkippedKeys {
		oldest := s.skippedOrder[0]
		s.skippedOrder = s.skippedOrder[1:]
		delete(s.skipped, oldest)
	}
}

// peekSkipped looks up a buffered out-of-order message key without
// removing it, so a failed AEAD open on that ciphertext leaves the cache
// intact for a later, genuine retransmission to land on.
func (s *State) peekSkipped(dhPublic [32]byte, msgNum uint32) ([32]byte, bool) {
	id := messageKeyID{dhPublic: dhPublic, msgNum: msgNum}
	mk, ok := s.skipped[id]
	return mk, ok
}

// removeSkipped evicts a buffered message key once it has actually been
// consumed by a successful AEAD open.
func (s *State) removeSkipped(dhPublic [32]byte, msgNum uint32) {
	id := messageKeyID{dhPublic: dhPublic, msgNum: msgNum}
	delete(s.skipped, id)
	for i, existing := range s.skippedOrder {
		if existing == id {
			s.skippedOrder = append(s.skippedOrder[:i], s.skippedOrder[i+1:]...)
			break
		}
	}
}

// SkippedKeyCount reports how many out-of-order message keys are
// currently buffered, for metrics and tests.
func (s *State) SkippedKeyCount() int {
	return len(s.skipped)
}
