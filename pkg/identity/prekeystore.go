package identity

import "sync"

// PreKeyStore serializes one-time pre-key allocation per identity so a
// key is never handed out twice to concurrent GetBundle callers.
type PreKeyStore struct {
	mu  sync.Mutex
	byAddress map[Address][]*OneTimePreKey
}

// NewPreKeyStore creates an empty pre-key store.
func NewPreKeyStore() *PreKeyStore {
	return &PreKeyStore{byAddress: make(map[Address][]*OneTimePreKey)}
}

// Add appends freshly generated one-time pre-keys for addr.
func (s *PreKeyStore) Add(addr Address, keys []*OneTimePreKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAddress[addr] = append(s.byAddress[addr], keys...)
}

// Consume pops and returns one available one-time pre-key for addr, or
// ok=false if none remain. The key is removed before it is returned so a
// second concurrent caller can never observe the same key.
func (s *PreKeyStore) Consume(addr Address) (otp *OneTimePreKey, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.byAddress[addr]
	if len(keys) == 0 {
		return nil, false
	}
	otp, s.byAddress[addr] = keys[0], keys[1:]
	return otp, true
}

// ConsumeID pops and returns the one-time pre-key matching id for addr,
// or ok=false if no such key remains (already consumed, or never
// published). Used when an inbound InitialRequest names a specific
// pre-key id rather than taking whichever is next in line.
func (s *PreKeyStore) ConsumeID(addr Address, id uint32) (otp *OneTimePreKey, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.byAddress[addr]
	for i, k := range keys {
		if k.ID == id {
			s.byAddress[addr] = append(append([]*OneTimePreKey{}, keys[:i]...), keys[i+1:]...)
			return k, true
		}
	}
	return nil, false
}

// Peek returns the next one-time pre-key that Consume would hand out for
// addr, without removing it, so a caller building a publishable Bundle
// can advertise its id ahead of any handshake actually consuming it.
func (s *PreKeyStore) Peek(addr Address) (otp *OneTimePreKey, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.byAddress[addr]
	if len(keys) == 0 {
		return nil, false
	}
	return keys[0], true
}

// Count reports how many one-time pre-keys remain for addr.
func (s *PreKeyStore) Count(addr Address) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAddress[addr])
}
