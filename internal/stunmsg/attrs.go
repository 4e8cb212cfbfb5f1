package stunmsg

import "fmt"

// stringAttr is the common shape of USERNAME, REALM, NONCE and
// SOFTWARE (RFC 5389 Sections 15.3, 15.7, 15.8, 15.10), each an opaque
// UTF-8 string attribute differing only in type and max length.
type stringAttr struct {
	t      AttrType
	maxLen int
}

func (a stringAttr) addTo(m *Message, s string) error {
	if a.maxLen > 0 && len(s) > a.maxLen {
		return fmt.Errorf("stunmsg: %s value too long (%d > %d)", a.t, len(s), a.maxLen)
	}
	m.WriteAttribute(a.t, []byte(s))
	return nil
}

func (a stringAttr) getFrom(m *Message) (string, error) {
	attr, err := m.Get(a.t)
	if err != nil {
		return "", err
	}
	return string(attr.Value), nil
}

// Username implements the USERNAME attribute.
type Username string

// AddTo adds USERNAME to m.
func (u Username) AddTo(m *Message) error {
	return stringAttr{t: AttrUsername, maxLen: 512}.addTo(m, string(u))
}

// GetFrom decodes USERNAME from m.
func (u *Username) GetFrom(m *Message) error {
	s, err := (stringAttr{t: AttrUsername}).getFrom(m)
	if err != nil {
		return err
	}
	*u = Username(s)
	return nil
}

// Realm implements the REALM attribute.
type Realm string

// AddTo adds REALM to m.
func (r Realm) AddTo(m *Message) error {
	return stringAttr{t: AttrRealm, maxLen: 127}.addTo(m, string(r))
}

// GetFrom decodes REALM from m.
func (r *Realm) GetFrom(m *Message) error {
	s, err := (stringAttr{t: AttrRealm}).getFrom(m)
	if err != nil {
		return err
	}
	*r = Realm(s)
	return nil
}

// Nonce implements the NONCE attribute.
type Nonce string

// AddTo adds NONCE to m.
func (n Nonce) AddTo(m *Message) error {
	return stringAttr{t: AttrNonce, maxLen: 127}.addTo(m, string(n))
}

// GetFrom decodes NONCE from m.
func (n *Nonce) GetFrom(m *Message) error {
	s, err := (stringAttr{t: AttrNonce}).getFrom(m)
	if err != nil {
		return err
	}
	*n = Nonce(s)
	return nil
}

// Software implements the SOFTWARE attribute.
type Software string

// AddTo adds SOFTWARE to m.
func (s Software) AddTo(m *Message) error {
	return stringAttr{t: AttrSoftware, maxLen: 127}.addTo(m, string(s))
}

// GetFrom decodes SOFTWARE from m.
func (s *Software) GetFrom(m *Message) error {
	v, err := (stringAttr{t: AttrSoftware}).getFrom(m)
	if err != nil {
		return err
	}
	*s = Software(v)
	return nil
}

// ErrorCodeAttribute implements the ERROR-CODE attribute (RFC 5389
// Section 15.6): a class/number pair plus a human-readable reason.
type ErrorCodeAttribute struct {
	Code   ErrorCode
	Reason string
}

// AddTo adds ERROR-CODE to m.
func (e ErrorCodeAttribute) AddTo(m *Message) error {
	reason := e.Reason
	if reason == "" {
		reason = e.Code.String()
	}
	v := make([]byte, 4+len(reason))
	v[2] = byte(e.Code / 100)
	v[3] = byte(e.Code % 100)
	copy(v[4:], reason)
	m.WriteAttribute(AttrErrorCode, v)
	return nil
}

// GetFrom decodes ERROR-CODE from m.
func (e *ErrorCodeAttribute) GetFrom(m *Message) error {
	attr, err := m.Get(AttrErrorCode)
	if err != nil {
		return err
	}
	if len(attr.Value) < 4 {
		return ErrAttrTooShort
	}
	class := int(attr.Value[2] & 0x7)
	number := int(attr.Value[3])
	e.Code = ErrorCode(class*100 + number)
	e.Reason = string(attr.Value[4:])
	return nil
}

// UnknownAttributes implements the UNKNOWN-ATTRIBUTES attribute (RFC
// 5389 Section 15.9), a list of attribute types the server did not
// understand, returned alongside a 420 (Unknown Attribute) error.
type UnknownAttributes []AttrType

// AddTo adds UNKNOWN-ATTRIBUTES to m.
func (u UnknownAttributes) AddTo(m *Message) error {
	v := make([]byte, 2*len(u))
	for i, t := range u {
		bin.PutUint16(v[2*i:2*i+2], uint16(t))
	}
	m.WriteAttribute(AttrUnknownAttributes, v)
	return nil
}

// GetFrom decodes UNKNOWN-ATTRIBUTES from m.
func (u *UnknownAttributes) GetFrom(m *Message) error {
	attr, err := m.Get(AttrUnknownAttributes)
	if err != nil {
		return err
	}
	out := make(UnknownAttributes, 0, len(attr.Value)/2)
	for i := 0; i+2 <= len(attr.Value); i += 2 {
		out = append(out, AttrType(bin.Uint16(attr.Value[i:i+2])))
	}
	*u = out
	return nil
}
