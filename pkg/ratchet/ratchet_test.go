package ratchet

import (
	"bytes"
	"testing"

	"github.com/snp-net/snp-core/pkg/crypto"
	"github.com/stretchr/testify/require"
)

// handshakePair builds two States the way X2DH handoff does: Alice's
// ratchet dhSelf is her ephemeral key, Bob's is his signed pre-key.
func handshakePair(t *testing.T) (*State, *State) {
	t.Helper()
	var sk [32]byte
	copy(sk[:], bytes.Repeat([]byte{0x9}, 32))

	aliceEphemeral, err := crypto.GenerateDHKeyPair()
	require.NoError(t, err)
	bobSignedPreKey, err := crypto.GenerateDHKeyPair()
	require.NoError(t, err)

	alice, err := NewInitiator(sk, aliceEphemeral, bobSignedPreKey.Public)
	require.NoError(t, err)
	bob := NewResponder(sk, bobSignedPreKey)

	return alice, bob
}

func TestRoundTripSingleMessage(t *testing.T) {
	alice, bob := handshakePair(t)

	header, ciphertext, err := alice.Encrypt([]byte("hello bob"), []byte("ad"))
	require.NoError(t, err)

	plaintext, err := bob.Decrypt(header, ciphertext, []byte("ad"))
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plaintext))
}

func TestTenInOrderMessages(t *testing.T) {
	alice, bob := handshakePair(t)

	for i := 0; i < 10; i++ {
		header, ciphertext, err := alice.Encrypt([]byte{byte(i)}, nil)
		require.NoError(t, err)
		plaintext, err := bob.Decrypt(header, ciphertext, nil)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, plaintext)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice, bob := handshakePair(t)

	type sealed struct {
		header Header
		ct     []byte
	}
	var messages []sealed
	for i := 0; i < 5; i++ {
		header, ciphertext, err := alice.Encrypt([]byte{byte(i)}, nil)
		require.NoError(t, err)
		messages = append(messages, sealed{header, ciphertext})
	}

	// Deliver m2, m0, m4, m3, m1.
	order := []int{2, 0, 4, 3, 1}
	for _, idx := range order {
		plaintext, err := bob.Decrypt(messages[idx].header, messages[idx].ct, nil)
		require.NoError(t, err, "message %d failed to decrypt", idx)
		require.Equal(t, []byte{byte(idx)}, plaintext)
	}
}

func TestDHRatchetAndBidirectionalExchange(t *testing.T) {
	alice, bob := handshakePair(t)

	h1, c1, err := alice.Encrypt([]byte("a->b 1"), nil)
	require.NoError(t, err)
	p1, err := bob.Decrypt(h1, c1, nil)
	require.NoError(t, err)
	require.Equal(t, "a->b 1", string(p1))

	// Bob replies; this is a new DH public key from Alice's perspective,
	// triggering her receiving-side ratchet step.
	h2, c2, err := bob.Encrypt([]byte("b->a 1"), nil)
	require.NoError(t, err)
	p2, err := alice.Decrypt(h2, c2, nil)
	require.NoError(t, err)
	require.Equal(t, "b->a 1", string(p2))

	// Alice replies again: her dhSelf rotated during the receiving
	// ratchet step above, so this exercises the new sending chain.
	h3, c3, err := alice.Encrypt([]byte("a->b 2"), nil)
	require.NoError(t, err)
	p3, err := bob.Decrypt(h3, c3, nil)
	require.NoError(t, err)
	require.Equal(t, "a->b 2", string(p3))
}

func TestDecryptAuthFailureDoesNotMutateState(t *testing.T) {
	alice, bob := handshakePair(t)

	header, ciphertext, err := alice.Encrypt([]byte("payload"), nil)
	require.NoError(t, err)

	tampered := append([]byte{}, ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = bob.Decrypt(header, tampered, nil)
	require.ErrorIs(t, err, ErrDecryptAuth)

	// The same header+ciphertext, undamaged, must still decrypt: the
	// failed attempt must not have advanced the receiving chain or
	// consumed the message key.
	plaintext, err := bob.Decrypt(header, ciphertext, nil)
	require.NoError(t, err)
	require.Equal(t, "payload", string(plaintext))
}

func TestReplayIsRejected(t *testing.T) {
	alice, bob := handshakePair(t)

	header, ciphertext, err := alice.Encrypt([]byte("once only"), nil)
	require.NoError(t, err)

	_, err = bob.Decrypt(header, ciphertext, nil)
	require.NoError(t, err)

	_, err = bob.Decrypt(header, ciphertext, nil)
	require.Error(t, err)
}

func TestSkipLimitExceeded(t *testing.T) {
	alice, bob := handshakePair(t)

	var last Header
	var lastCT []byte
	for i := 0; i <= MaxSkip+1; i++ {
		h, c, err := alice.Encrypt([]byte{byte(i % 256)}, nil)
		require.NoError(t, err)
		last, lastCT = h, c
	}

	_, err := bob.Decrypt(last, lastCT, nil)
	require.ErrorIs(t, err, ErrSkipLimitExceeded)
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{PreviousChainLen: 3, MessageNum: 7}
	for i := range h.DHPublic {
		h.DHPublic[i] = byte(i)
	}

	decoded, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

func TestDecodeHeaderRejectsShortInput(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidHeader)
}

func TestDecryptAuthFailureOnRatchetTurnoverDoesNotMutateState(t *testing.T) {
	alice, bob := handshakePair(t)

	// Bob has no sending chain until he processes a first inbound
	// message, which is also what rotates his dhSelf away from the
	// signed pre-key he started with.
	h1, c1, err := alice.Encrypt([]byte("a->b 1"), nil)
	require.NoError(t, err)
	_, err = bob.Decrypt(h1, c1, nil)
	require.NoError(t, err)

	// Bob's reply now carries that rotated dhSelf as its header's DH
	// public key — a key Alice has never seen, which would ordinarily
	// trigger her receiving-side ratchet step.
	header, ciphertext, err := bob.Encrypt([]byte("b->a 1"), nil)
	require.NoError(t, err)

	before, err := alice.Marshal()
	require.NoError(t, err)

	tampered := append([]byte{}, ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = alice.Decrypt(header, tampered, nil)
	require.ErrorIs(t, err, ErrDecryptAuth)

	after, err := alice.Marshal()
	require.NoError(t, err)
	require.Equal(t, before, after, "a corrupted ciphertext on a new DH key must not advance the ratchet")

	// The genuine message must still decrypt afterward: dhSelf, the root
	// key, and both chains were never actually replaced.
	plaintext, err := alice.Decrypt(header, ciphertext, nil)
	require.NoError(t, err)
	require.Equal(t, "b->a 1", string(plaintext))
}

func TestCorruptedRetransmissionDoesNotLoseSkippedKey(t *testing.T) {
	alice, bob := handshakePair(t)

	h0, c0, err := alice.Encrypt([]byte("m0"), nil)
	require.NoError(t, err)
	h1, c1, err := alice.Encrypt([]byte("m1"), nil)
	require.NoError(t, err)

	// Bob receives m1 first, which buffers m0's key as skipped.
	_, err = bob.Decrypt(h1, c1, nil)
	require.NoError(t, err)
	require.Equal(t, 1, bob.SkippedKeyCount())

	// A corrupted delivery of m0 must fail without discarding its
	// buffered message key.
	tampered := append([]byte{}, c0...)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = bob.Decrypt(h0, tampered, nil)
	require.ErrorIs(t, err, ErrDecryptAuth)
	require.Equal(t, 1, bob.SkippedKeyCount(), "skipped key must survive a corrupted delivery attempt")

	// The genuine retransmission of m0 must still decrypt.
	plaintext, err := bob.Decrypt(h0, c0, nil)
	require.NoError(t, err)
	require.Equal(t, "m0", string(plaintext))
	require.Equal(t, 0, bob.SkippedKeyCount())
}

// TestForwardSecrecyPostMessageStateCannotDecryptPriorMessages realizes
// P3: serializing state captured after mi must not let an attacker who
// steals that snapshot decrypt any mj with j <= i.
func TestForwardSecrecyPostMessageStateCannotDecryptPriorMessages(t *testing.T) {
	alice, bob := handshakePair(t)

	type sealed struct {
		header Header
		ct     []byte
	}
	var messages []sealed
	for i := 0; i < 5; i++ {
		header, ciphertext, err := alice.Encrypt([]byte{byte(i)}, nil)
		require.NoError(t, err)
		messages = append(messages, sealed{header, ciphertext})
	}

	// Bob decrypts m0..m2 in order, then his state is leaked.
	for i := 0; i < 3; i++ {
		_, err := bob.Decrypt(messages[i].header, messages[i].ct, nil)
		require.NoError(t, err)
	}
	leakedBytes, err := bob.Marshal()
	require.NoError(t, err)

	// An attacker holding only the leaked snapshot cannot decrypt any of
	// the messages already consumed before the leak.
	for i := 0; i < 3; i++ {
		attacker, err := Unmarshal(leakedBytes)
		require.NoError(t, err)
		_, err = attacker.Decrypt(messages[i].header, messages[i].ct, nil)
		require.ErrorIs(t, err, ErrDuplicateOrOld)
	}
}

// TestPostCompromiseRecoveryAfterRatchetTurnover realizes P4: once a full
// DH ratchet turnover happens after a state leak, messages sent on the
// new chain are not decryptable with the leaked (pre-turnover) state.
func TestPostCompromiseRecoveryAfterRatchetTurnover(t *testing.T) {
	alice, bob := handshakePair(t)

	// m1 triggers Bob's very first DH ratchet step: he derives a
	// receiving chain from his original (signed-pre-key) dhSelf, then
	// rotates to a fresh dhSelf before Bob's state is leaked below. The
	// leak therefore hands the attacker that first-rotation dhSelf.
	h1, c1, err := alice.Encrypt([]byte("a->b 1"), nil)
	require.NoError(t, err)
	_, err = bob.Decrypt(h1, c1, nil)
	require.NoError(t, err)

	leakedBytes, err := bob.Marshal()
	require.NoError(t, err)

	// m2 (Bob -> Alice) carries Bob's leaked dhSelf public key, so Alice
	// ratchets and adopts a fresh dhSelf of her own.
	h2, c2, err := bob.Encrypt([]byte("b->a 1"), nil)
	require.NoError(t, err)
	_, err = alice.Decrypt(h2, c2, nil)
	require.NoError(t, err)

	// m3 (Alice -> Bob) carries Alice's new dhSelf. Bob ratchets again:
	// this step's receiving-chain derivation still uses Bob's *leaked*
	// dhSelf private key against Alice's new (but public) key, so an
	// attacker holding the leak can derive this one too — the leak keeps
	// compromising the first message of every turnover it was present
	// for. What it buys the attacker nothing on is Bob's dhSelf *after*
	// this step, freshly rotated and never exposed.
	h3, c3, err := alice.Encrypt([]byte("a->b 2"), nil)
	require.NoError(t, err)
	_, err = bob.Decrypt(h3, c3, nil)
	require.NoError(t, err)

	// m4 (Bob -> Alice) carries Bob's new, never-leaked dhSelf. Alice
	// ratchets once more, adopting yet another fresh dhSelf of her own.
	h4, c4, err := bob.Encrypt([]byte("b->a 2"), nil)
	require.NoError(t, err)
	_, err = alice.Decrypt(h4, c4, nil)
	require.NoError(t, err)

	// m5 (Alice -> Bob) forces Bob's next ratchet step, whose receiving
	// chain is derived from Bob's post-leak dhSelf (established at m3)
	// against Alice's newest key. Recovery is complete: the attacker's
	// leaked snapshot cannot reproduce this DH output.
	h5, c5, err := alice.Encrypt([]byte("a->b 3"), nil)
	require.NoError(t, err)
	plaintext, err := bob.Decrypt(h5, c5, nil)
	require.NoError(t, err)
	require.Equal(t, "a->b 3", string(plaintext))

	compromised, err := Unmarshal(leakedBytes)
	require.NoError(t, err)
	_, err = compromised.Decrypt(h5, c5, nil)
	require.Error(t, err, "a snapshot leaked before the second ratchet turnover must not decrypt messages keyed off it")
}
