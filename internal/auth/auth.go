// Package auth implements the authentication mechanisms a realm can
// be configured with: no-auth, short-term, long-term (static
// credentials) and the REST-API timed-secret scheme.
package auth

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/turngate/turngate/internal/stunmsg"
)

// Authenticator checks the MESSAGE-INTEGRITY on an authenticated
// request and returns the key that should be used to integrity-protect
// the response.
type Authenticator interface {
	Auth(m *stunmsg.Message) (stunmsg.MessageIntegrity, error)
}

// StaticCredential is one configured long-term user. Key, when set,
// is used verbatim as the pre-hashed MD5(username:realm:password) key
// instead of deriving it from Password (config files may carry either
// form — see turn-server's "-u user:pwd" vs "key=0x..." conventions).
type StaticCredential struct {
	Username string
	Password string
	Realm    string
	Key      []byte
}

// Static implements long-term credential authentication (RFC 5389
// Section 10.2) against a fixed, in-memory credential set.
type Static struct {
	mux         sync.RWMutex
	credentials map[string]stunmsg.MessageIntegrity
}

// ErrUserNotFound means the request's USERNAME does not match any
// configured credential.
var ErrUserNotFound = errors.New("user not found")

// Auth checks m's MESSAGE-INTEGRITY against the credential named by
// its USERNAME attribute.
func (s *Static) Auth(m *stunmsg.Message) (stunmsg.MessageIntegrity, error) {
	var username stunmsg.Username
	if err := username.GetFrom(m); err != nil {
		return nil, err
	}
	s.mux.RLock()
	i, ok := s.credentials[string(username)]
	s.mux.RUnlock()
	if !ok {
		return nil, ErrUserNotFound
	}
	return i, i.Check(m)
}

// NewStatic builds a Static authenticator from a fixed credential set.
func NewStatic(credentials []StaticCredential) *Static {
	s := &Static{
		credentials: make(map[string]stunmsg.MessageIntegrity, len(credentials)),
	}
	for _, c := range credentials {
		key := c.Key
		if len(key) == 0 {
			key = stunmsg.NewLongTermIntegrityKey(c.Username, c.Realm, c.Password)
		}
		s.credentials[c.Username] = stunmsg.MessageIntegrity(key)
	}
	return s
}
