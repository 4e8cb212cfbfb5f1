package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/turngate/turngate/internal/stunmsg"
)

// ErrCredentialExpired means the timed-secret USERNAME's embedded
// timestamp has already passed.
var ErrCredentialExpired = errors.New("auth: credential expired")

// ErrMalformedUsername means the USERNAME did not parse as
// "<unix ts>" or "<unix ts>:<suffix>".
var ErrMalformedUsername = errors.New("auth: malformed timed-secret username")

// TimedSecret implements the REST API timed-secret mechanism (coturn's
// --use-auth-secret): USERNAME is "<unix ts>[:suffix]" and the password
// is base64(HMAC-SHA1(shared secret, USERNAME)), derived on the fly
// rather than looked up in a static table. Several shared secrets may
// be configured at once to support rotation; each is tried in turn.
type TimedSecret struct {
	Realm   string
	Secrets [][]byte
	Now     func() time.Time
}

func (s *TimedSecret) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func expiry(username string) (time.Time, error) {
	ts := username
	if i := strings.IndexByte(username, ':'); i >= 0 {
		ts = username[:i]
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, ErrMalformedUsername
	}
	return time.Unix(sec, 0), nil
}

func timedPassword(secret []byte, username string) string {
	h := hmac.New(sha1.New, secret)
	h.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Auth checks m's MESSAGE-INTEGRITY against the password derived from
// m's USERNAME and each configured shared secret.
func (s *TimedSecret) Auth(m *stunmsg.Message) (stunmsg.MessageIntegrity, error) {
	var username stunmsg.Username
	if err := username.GetFrom(m); err != nil {
		return nil, err
	}
	expiresAt, err := expiry(string(username))
	if err != nil {
		return nil, err
	}
	if expiresAt.Before(s.now()) {
		return nil, ErrCredentialExpired
	}
	for _, secret := range s.Secrets {
		password := timedPassword(secret, string(username))
		key := stunmsg.MessageIntegrity(
			stunmsg.NewLongTermIntegrityKey(string(username), s.Realm, password),
		)
		if key.Check(m) == nil {
			return key, nil
		}
	}
	return nil, stunmsg.ErrIntegrityMismatch
}
