package auth

import (
	"sync"

	"github.com/turngate/turngate/internal/stunmsg"
)

// ShortTerm implements the short-term credential mechanism (RFC 5389
// Section 10.1.2): the HMAC key is the password itself, with no realm
// or nonce exchange involved.
type ShortTerm struct {
	mux       sync.RWMutex
	passwords map[string]string
}

// NewShortTerm builds a ShortTerm authenticator from a username to
// password map.
func NewShortTerm(passwords map[string]string) *ShortTerm {
	s := &ShortTerm{passwords: make(map[string]string, len(passwords))}
	for u, p := range passwords {
		s.passwords[u] = p
	}
	return s
}

// Auth checks m's MESSAGE-INTEGRITY against the configured password
// for its USERNAME attribute.
func (s *ShortTerm) Auth(m *stunmsg.Message) (stunmsg.MessageIntegrity, error) {
	var username stunmsg.Username
	if err := username.GetFrom(m); err != nil {
		return nil, err
	}
	s.mux.RLock()
	password, ok := s.passwords[string(username)]
	s.mux.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	key := stunmsg.MessageIntegrity(password)
	return key, key.Check(m)
}
