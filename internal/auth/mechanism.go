package auth

import (
	"github.com/turngate/turngate/internal/stunmsg"
)

// Mechanism dispatches authentication to a different Authenticator per
// realm, falling back to a default when the request's REALM attribute
// does not match a configured realm (or carries none, as with
// --no-auth or single-realm short-term deployments).
type Mechanism struct {
	byRealm map[string]Authenticator
	def     Authenticator
}

// NewMechanism builds a Mechanism. byRealm selects an Authenticator by
// the message's REALM attribute; def is used when no realm is present
// or no entry matches.
func NewMechanism(byRealm map[string]Authenticator, def Authenticator) *Mechanism {
	return &Mechanism{byRealm: byRealm, def: def}
}

// Auth resolves m's realm and delegates to the matching Authenticator.
func (m *Mechanism) Auth(msg *stunmsg.Message) (stunmsg.MessageIntegrity, error) {
	var realm stunmsg.Realm
	if err := realm.GetFrom(msg); err == nil {
		if a, ok := m.byRealm[string(realm)]; ok {
			return a.Auth(msg)
		}
	}
	return m.def.Auth(msg)
}
