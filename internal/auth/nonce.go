package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/turngate/turngate/internal/relaymsg"
	"github.com/turngate/turngate/internal/stunmsg"
)

// NewNonceAuth initializes new nonce manager.
func NewNonceAuth(duration time.Duration) *NonceAuth {
	return &NonceAuth{
		nonces:   make([]nonce, 0, 100),
		duration: duration,
	}
}

type nonce struct {
	tuple      relaymsg.FiveTuple
	value      stunmsg.Nonce
	validUntil time.Time
}

func (n nonce) valid(t time.Time) bool {
	return n.validUntil.IsZero() || n.validUntil.After(t)
}

// NonceAuth is a per-5-tuple nonce issuer and rotator (RFC 5766 Section
// 4's staleness requirement): each client gets a nonce tied to its
// 5-tuple, rotated once it has been outstanding longer than duration.
type NonceAuth struct {
	duration time.Duration
	mux      sync.Mutex
	nonces   []nonce
}

// ErrStaleNonce means that the nonce value should be refreshed.
var ErrStaleNonce = errors.New("stale nonce")

func newNonce() stunmsg.Nonce {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	v := make([]byte, 24)
	return stunmsg.Nonce(v[:hex.Encode(v, buf)])
}

// Check validates value as the current nonce for tuple at time at. It
// always returns the nonce the caller should use going forward: the
// same value on success; the tuple's current, still-valid nonce
// alongside ErrStaleNonce when value does not match it; or a freshly
// issued one alongside ErrStaleNonce when the tuple has no nonce yet
// or its nonce has expired.
func (n *NonceAuth) Check(tuple relaymsg.FiveTuple, value stunmsg.Nonce, at time.Time) (stunmsg.Nonce, error) {
	n.mux.Lock()
	defer n.mux.Unlock()
	for i := range n.nonces {
		if !n.nonces[i].tuple.Equal(tuple) {
			continue
		}
		current := n.nonces[i]
		if current.valid(at) {
			if current.value != value {
				return current.value, ErrStaleNonce
			}
			return current.value, nil
		}
		current.value = newNonce()
		if n.duration != 0 {
			current.validUntil = at.Add(n.duration)
		}
		n.nonces[i] = current
		return current.value, ErrStaleNonce
	}
	current := nonce{
		tuple: tuple,
		value: newNonce(),
	}
	if n.duration != 0 {
		current.validUntil = at.Add(n.duration)
	}
	n.nonces = append(n.nonces, current)
	return current.value, ErrStaleNonce
}
