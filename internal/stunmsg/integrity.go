package stunmsg

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"hash"
	"hash/crc32"
)

// ErrIntegrityMismatch is returned by MessageIntegrity.Check and
// MessageIntegritySHA256.Check when the computed HMAC does not match
// the value carried in the message.
var ErrIntegrityMismatch = errors.New("stunmsg: integrity check failed")

// NewLongTermIntegrityKey derives the key used for MESSAGE-INTEGRITY
// under the long-term credential mechanism (RFC 5389 Section 15.4):
// MD5(username ":" realm ":" password).
func NewLongTermIntegrityKey(username, realm, password string) []byte {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return sum[:]
}

// MessageIntegrity implements the MESSAGE-INTEGRITY attribute (RFC
// 5389 Section 15.4), an HMAC-SHA1 over the message preceding the
// attribute, computed with the STUN header length field temporarily
// adjusted to cover only the bytes up to and including this attribute.
type MessageIntegrity []byte

// AddTo appends MESSAGE-INTEGRITY to m, computed over the message as
// it stands (m must not be modified afterwards except by Fingerprint,
// which must be added after this).
func (m MessageIntegrity) AddTo(msg *Message) error {
	return addIntegrity(msg, AttrMessageIntegrity, hmacSum(sha1.New, []byte(m)))
}

// Check verifies MESSAGE-INTEGRITY against key.
func (m MessageIntegrity) Check(msg *Message) error {
	return checkIntegrity(msg, AttrMessageIntegrity, hmacSum(sha1.New, []byte(m)), sha1.Size)
}

// MessageIntegritySHA256 implements the MESSAGE-INTEGRITY-SHA256
// attribute added for RFC 8489 compatibility, used when both sides
// negotiate SHA-256 credentials.
type MessageIntegritySHA256 []byte

// AddTo appends MESSAGE-INTEGRITY-SHA256 to msg.
func (m MessageIntegritySHA256) AddTo(msg *Message) error {
	return addIntegrity(msg, AttrMessageIntegritySHA256, hmacSum(sha256.New, []byte(m)))
}

// Check verifies MESSAGE-INTEGRITY-SHA256 against key.
func (m MessageIntegritySHA256) Check(msg *Message) error {
	return checkIntegrity(msg, AttrMessageIntegritySHA256, hmacSum(sha256.New, []byte(m)), sha256.Size)
}

func hmacSum(newHash func() hash.Hash, key []byte) func([]byte) []byte {
	return func(b []byte) []byte {
		h := hmac.New(newHash, key)
		h.Write(b)
		return h.Sum(nil)
	}
}

// addIntegrity appends the integrity attribute of type t to msg. The
// length field is set as though the attribute (header + value) were
// already present before the HMAC is computed, per RFC 5389 Section
// 15.4, then the real length (including FINGERPRINT if any follows) is
// restored by the subsequent WriteAttribute/WriteHeader calls.
func addIntegrity(msg *Message, t AttrType, sum func([]byte) []byte) error {
	macSize := len(sum(nil))
	attrsLen := len(msg.Raw) - headerSize
	provisional := attrsLen + attrHeaderSize + macSize
	bin.PutUint16(msg.Raw[2:4], uint16(provisional))
	mac := sum(msg.Raw)
	msg.WriteAttribute(t, mac)
	return nil
}

func checkIntegrity(msg *Message, t AttrType, sum func([]byte) []byte, macSize int) error {
	attr, err := msg.Get(t)
	if err != nil {
		return err
	}
	if len(attr.Value) != macSize {
		return ErrAttrTooShort
	}
	// Recompute the HMAC over the header + attributes preceding this
	// one, with Length set as it was when the attribute was added.
	original := bin.Uint16(msg.Raw[2:4])
	provisional := attr.offset + attrHeaderSize + macSize - headerSize
	bin.PutUint16(msg.Raw[2:4], uint16(provisional))
	mac := sum(msg.Raw[:attr.offset])
	bin.PutUint16(msg.Raw[2:4], original)
	if !hmac.Equal(mac, attr.Value) {
		return ErrIntegrityMismatch
	}
	return nil
}

const fingerprintXOR = 0x5354554E

// Fingerprint implements the FINGERPRINT attribute (RFC 5389 Section
// 15.5): CRC32 of the preceding message, XORed with a fixed constant
// so the value never collides with a TURN ChannelData frame.
type Fingerprint struct{}

// AddTo appends FINGERPRINT to msg. It must be the last attribute
// written, after MESSAGE-INTEGRITY if both are present.
func (Fingerprint) AddTo(msg *Message) error {
	attrsLen := len(msg.Raw) - headerSize
	provisional := attrsLen + attrHeaderSize + 4
	bin.PutUint16(msg.Raw[2:4], uint16(provisional))
	crc := crc32.ChecksumIEEE(msg.Raw) ^ fingerprintXOR
	v := make([]byte, 4)
	bin.PutUint32(v, crc)
	msg.WriteAttribute(AttrFingerprint, v)
	return nil
}

// Check verifies FINGERPRINT against the preceding bytes of msg.
func (Fingerprint) Check(msg *Message) error {
	attr, err := msg.Get(AttrFingerprint)
	if err != nil {
		return err
	}
	if len(attr.Value) != 4 {
		return ErrAttrTooShort
	}
	got := bin.Uint32(attr.Value)
	want := crc32.ChecksumIEEE(msg.Raw[:attr.offset]) ^ fingerprintXOR
	if got != want {
		return ErrIntegrityMismatch
	}
	return nil
}
