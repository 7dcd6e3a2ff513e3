package ratchet

import (
	"bytes"
	"encoding/gob"

	"github.com/snp-net/snp-core/pkg/crypto"
)

// snapshot is the gob-serializable form of State. It is never written
// directly to a bare file; pkg/session wraps it in a transactional
// SQLite write.
type snapshot struct {
	RootKey [32]byte

	SendingChain     [32]byte
	SendingMsgNum    uint32
	HaveSendingChain bool

	ReceivingChain     [32]byte
	ReceivingMsgNum    uint32
	HaveReceivingChain bool

	DHSelfPublic  [32]byte
	DHSelfPrivate [32]byte

	DHRemote     [32]byte
	HaveDHRemote bool

	PreviousChainLen uint32

	SkippedKeys []skippedEntry
}

type skippedEntry struct {
	DHPublic [32]byte
	MsgNum   uint32
	Key      [32]byte
}

// Marshal serializes ratchet state, including buffered skipped keys, to
// bytes suitable for storage.
func (s *State) Marshal() ([]byte, error) {
	snap := snapshot{
		RootKey:            s.rootKey,
		SendingChain:       s.sendingChain,
		SendingMsgNum:      s.sendingMsgNum,
		HaveSendingChain:   s.haveSendingChain,
		ReceivingChain:     s.receivingChain,
		ReceivingMsgNum:    s.receivingMsgNum,
		HaveReceivingChain: s.haveReceivingChain,
		DHSelfPublic:       s.dhSelf.Public,
		DHSelfPrivate:      s.dhSelf.Private,
		DHRemote:           s.dhRemote,
		HaveDHRemote:       s.haveDHRemote,
		PreviousChainLen:   s.previousChainLen,
	}
	for _, id := range s.skippedOrder {
		snap.SkippedKeys = append(snap.SkippedKeys, skippedEntry{
			DHPublic: id.dhPublic,
			MsgNum:   id.msgNum,
			Key:      s.skipped[id],
		})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal restores ratchet state previously produced by Marshal.
func Unmarshal(data []byte) (*State, error) {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, err
	}

	s := &State{
		rootKey:            rootKey(snap.RootKey),
		sendingChain:       chainKey(snap.SendingChain),
		sendingMsgNum:      snap.SendingMsgNum,
		haveSendingChain:   snap.HaveSendingChain,
		receivingChain:     chainKey(snap.ReceivingChain),
		receivingMsgNum:    snap.ReceivingMsgNum,
		haveReceivingChain: snap.HaveReceivingChain,
		dhSelf: &crypto.DHKeyPair{
			Public:  snap.DHSelfPublic,
			Private: snap.DHSelfPrivate,
		},
		dhRemote:     snap.DHRemote,
		haveDHRemote: snap.HaveDHRemote,
		previousChainLen: snap.PreviousChainLen,
		skipped:      make(map[messageKeyID][32]byte, len(snap.SkippedKeys)),
	}
	for _, e := range snap.SkippedKeys {
		id := messageKeyID{dhPublic: e.DHPublic, msgNum: e.MsgNum}
		s.skipped[id] = e.Key
		s.skippedOrder = append(s.skippedOrder, id)
	}
	return s, nil
}
