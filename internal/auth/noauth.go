package auth

import "github.com/turngate/turngate/internal/stunmsg"

// NoAuth accepts every request without checking MESSAGE-INTEGRITY, for
// realms configured with --no-auth.
type NoAuth struct{}

// Auth always succeeds; the returned key is nil, so responses are not
// integrity-protected either.
func (NoAuth) Auth(*stunmsg.Message) (stunmsg.MessageIntegrity, error) {
	return nil, nil
}
