// Package stunmsg implements STUN (RFC 5389) message framing and the
// common attribute set, shared by the TURN relay on top of it.
package stunmsg

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// bin is shorthand for binary.BigEndian, matching the wire byte order.
var bin = binary.BigEndian

const (
	headerSize     = 20
	attrHeaderSize = 4
	magicCookie    = 0x2112A442
)

// MessageClass is the two-bit class field of a STUN message type.
type MessageClass byte

// Message classes as defined in RFC 5389 Section 6.
const (
	ClassRequest         MessageClass = 0x00
	ClassIndication      MessageClass = 0x01
	ClassSuccessResponse MessageClass = 0x02
	ClassErrorResponse   MessageClass = 0x03
)

func (c MessageClass) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return "unknown class"
	}
}

// Method is the 12-bit method field of a STUN message type.
type Method uint16

// Methods used by STUN, TURN (RFC 5766/6062) and NAT discovery (RFC 5780).
const (
	MethodBinding           Method = 0x001
	MethodAllocate          Method = 0x003
	MethodRefresh           Method = 0x004
	MethodSend              Method = 0x006
	MethodData              Method = 0x007
	MethodCreatePermission  Method = 0x008
	MethodChannelBind       Method = 0x009
	MethodConnect           Method = 0x00a
	MethodConnectionBind    Method = 0x00b
	MethodConnectionAttempt Method = 0x00c
)

func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "Binding"
	case MethodAllocate:
		return "Allocate"
	case MethodRefresh:
		return "Refresh"
	case MethodSend:
		return "Send"
	case MethodData:
		return "Data"
	case MethodCreatePermission:
		return "CreatePermission"
	case MethodChannelBind:
		return "ChannelBind"
	case MethodConnect:
		return "Connect"
	case MethodConnectionBind:
		return "ConnectionBind"
	case MethodConnectionAttempt:
		return "ConnectionAttempt"
	default:
		return fmt.Sprintf("0x%x", uint16(m))
	}
}

// MessageType is a method/class pair, e.g. "Allocate request".
type MessageType struct {
	Method Method
	Class  MessageClass
}

// NewType returns the MessageType for the given method and class.
func NewType(m Method, c MessageClass) MessageType {
	return MessageType{Method: m, Class: c}
}

// Value encodes the type as the 16-bit wire value per RFC 5389 Section 6.
func (t MessageType) Value() uint16 {
	m := uint16(t.Method)
	c := uint16(t.Class)
	v := m & 0xf
	v |= (c & 0b01) << 4
	v |= (m & 0x70) << 1
	v |= (c & 0b10) << 7
	v |= (m & 0xf80) << 2
	return v
}

// ReadValue decodes the 16-bit wire value into t.
func (t *MessageType) ReadValue(v uint16) {
	c := (v >> 4) & 0b01
	c |= (v >> 7) & 0b10
	m := v & 0xf
	m |= (v >> 1) & 0x70
	m |= (v >> 2) & 0xf80
	t.Method = Method(m)
	t.Class = MessageClass(c)
}

func (t MessageType) String() string {
	return fmt.Sprintf("%s %s", t.Method, t.Class)
}

// Well-known STUN message types.
var (
	BindingRequest         = NewType(MethodBinding, ClassRequest)
	BindingSuccess         = NewType(MethodBinding, ClassSuccessResponse)
	BindingError           = NewType(MethodBinding, ClassErrorResponse)
	BindingIndication      = NewType(MethodBinding, ClassIndication)
)

// TransactionID is the 96-bit STUN transaction id.
type TransactionID [12]byte

// NewTransactionID returns a fresh cryptographically random transaction id.
func NewTransactionID() TransactionID {
	var t TransactionID
	if _, err := rand.Read(t[:]); err != nil {
		panic(err)
	}
	return t
}

// AttrType identifies a STUN/TURN attribute.
type AttrType uint16

// Attribute types used across STUN (RFC 5389), TURN (RFC 5766/6062) and
// NAT discovery (RFC 5780).
const (
	AttrMappedAddress          AttrType = 0x0001
	AttrChangeRequest          AttrType = 0x0003
	AttrUsername               AttrType = 0x0006
	AttrMessageIntegrity       AttrType = 0x0008
	AttrErrorCode              AttrType = 0x0009
	AttrUnknownAttributes      AttrType = 0x000a
	AttrChannelNumber          AttrType = 0x000c
	AttrLifetime               AttrType = 0x000d
	AttrXORPeerAddress         AttrType = 0x0012
	AttrData                   AttrType = 0x0013
	AttrRealm                  AttrType = 0x0014
	AttrNonce                  AttrType = 0x0015
	AttrXORRelayedAddress      AttrType = 0x0016
	AttrRequestedAddressFamily AttrType = 0x0017
	AttrEvenPort               AttrType = 0x0018
	AttrRequestedTransport     AttrType = 0x0019
	AttrDontFragment           AttrType = 0x001a
	AttrMessageIntegritySHA256 AttrType = 0x001c
	AttrPasswordAlgorithm      AttrType = 0x001d
	AttrXORMappedAddress       AttrType = 0x0020
	AttrReservationToken       AttrType = 0x0022
	AttrAdditionalAddrFamily   AttrType = 0x8000
	AttrConnectionID           AttrType = 0x002a
	AttrResponseOrigin         AttrType = 0x802b
	AttrSoftware               AttrType = 0x8022
	AttrAlternateServer        AttrType = 0x8023
	AttrResponsePort           AttrType = 0x8027
	AttrFingerprint            AttrType = 0x8028
	AttrPadding                AttrType = 0x0026
	AttrOrigin                 AttrType = 0x802f
)

func (a AttrType) String() string {
	switch a {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrXORMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrUsername:
		return "USERNAME"
	case AttrMessageIntegrity:
		return "MESSAGE-INTEGRITY"
	case AttrMessageIntegritySHA256:
		return "MESSAGE-INTEGRITY-SHA256"
	case AttrErrorCode:
		return "ERROR-CODE"
	case AttrUnknownAttributes:
		return "UNKNOWN-ATTRIBUTES"
	case AttrRealm:
		return "REALM"
	case AttrNonce:
		return "NONCE"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrAlternateServer:
		return "ALTERNATE-SERVER"
	case AttrFingerprint:
		return "FINGERPRINT"
	case AttrChannelNumber:
		return "CHANNEL-NUMBER"
	case AttrLifetime:
		return "LIFETIME"
	case AttrXORPeerAddress:
		return "XOR-PEER-ADDRESS"
	case AttrData:
		return "DATA"
	case AttrXORRelayedAddress:
		return "XOR-RELAYED-ADDRESS"
	case AttrEvenPort:
		return "EVEN-PORT"
	case AttrRequestedTransport:
		return "REQUESTED-TRANSPORT"
	case AttrDontFragment:
		return "DONT-FRAGMENT"
	case AttrReservationToken:
		return "RESERVATION-TOKEN"
	case AttrConnectionID:
		return "CONNECTION-ID"
	case AttrRequestedAddressFamily:
		return "REQUESTED-ADDRESS-FAMILY"
	case AttrAdditionalAddrFamily:
		return "ADDITIONAL-ADDRESS-FAMILY"
	case AttrChangeRequest:
		return "CHANGE-REQUEST"
	case AttrResponsePort:
		return "RESPONSE-PORT"
	case AttrResponseOrigin:
		return "RESPONSE-ORIGIN"
	case AttrOrigin:
		return "ORIGIN"
	case AttrPadding:
		return "PADDING"
	default:
		return fmt.Sprintf("0x%x", uint16(a))
	}
}

// Errors returned while decoding or looking up attributes.
var (
	ErrAttributeNotFound = errors.New("attribute not found")
	ErrNotSTUNMessage    = errors.New("not a STUN message")
	ErrLengthMismatch    = errors.New("message length does not match header")
	ErrAttrTooShort      = errors.New("attribute value shorter than declared length")
)

type rawAttribute struct {
	Type   AttrType
	Value  []byte // subslice of Message.Raw
	offset int     // byte offset of the attribute's TLV header within Raw
}

// Message is a parsed (or in-progress) STUN message, backed by its wire
// bytes in Raw so that MESSAGE-INTEGRITY and FINGERPRINT can be computed
// without a second encoding pass.
type Message struct {
	Type          MessageType
	TransactionID TransactionID
	Raw           []byte

	attrs []rawAttribute
}

// New allocates a Message with a fresh random transaction id.
func New() *Message {
	m := &Message{TransactionID: NewTransactionID()}
	return m
}

// Reset clears m for reuse, keeping the underlying buffer capacity.
func (m *Message) Reset() {
	m.Type = MessageType{}
	m.TransactionID = TransactionID{}
	m.Raw = m.Raw[:0]
	m.attrs = m.attrs[:0]
}

func (m *Message) grow(n int) {
	for cap(m.Raw) < n {
		m.Raw = append(m.Raw[:cap(m.Raw)], 0)
	}
	m.Raw = m.Raw[:n]
}

// WriteHeader writes (or rewrites) the 20-byte STUN header into Raw,
// truncating any attributes previously written.
func (m *Message) WriteHeader() {
	if len(m.Raw) < headerSize {
		m.grow(headerSize)
	}
	m.Raw = m.Raw[:headerSize]
	bin.PutUint16(m.Raw[0:2], m.Type.Value())
	bin.PutUint16(m.Raw[2:4], 0)
	bin.PutUint32(m.Raw[4:8], magicCookie)
	copy(m.Raw[8:20], m.TransactionID[:])
}

func (m *Message) writeLength() {
	bin.PutUint16(m.Raw[2:4], uint16(len(m.Raw)-headerSize))
}

// nearestPaddedValueLength rounds n up to the next multiple of 4, as
// required for STUN attribute values (RFC 5389 Section 15).
func nearestPaddedValueLength(n int) int {
	return (n + 3) &^ 3
}

// WriteAttribute appends a raw attribute TLV (with padding) to Raw and
// updates the header length field.
func (m *Message) WriteAttribute(t AttrType, v []byte) {
	header := make([]byte, attrHeaderSize)
	bin.PutUint16(header[0:2], uint16(t))
	bin.PutUint16(header[2:4], uint16(len(v)))
	m.Raw = append(m.Raw, header...)
	m.Raw = append(m.Raw, v...)
	if pad := nearestPaddedValueLength(len(v)) - len(v); pad > 0 {
		m.Raw = append(m.Raw, make([]byte, pad)...)
	}
	m.writeLength()
}

// Setter adds its attribute representation to a Message.
type Setter interface {
	AddTo(m *Message) error
}

// Getter reads its attribute representation from a Message.
type Getter interface {
	GetFrom(m *Message) error
}

// Build resets m, writes the header for t (keeping the existing
// TransactionID if non-zero, generating one otherwise) and applies
// setters in order.
func (m *Message) Build(t MessageType, setters ...Setter) error {
	if m.TransactionID == (TransactionID{}) {
		m.TransactionID = NewTransactionID()
	}
	m.Type = t
	m.WriteHeader()
	for _, s := range setters {
		if err := s.AddTo(m); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses Raw into the header fields and attribute index. It does
// not validate attribute values themselves (that is left to each
// attribute's GetFrom).
func (m *Message) Decode() error {
	buf := m.Raw
	if len(buf) < headerSize {
		return io.ErrUnexpectedEOF
	}
	first := buf[0]
	if first&0xc0 != 0 {
		// Top two bits must be zero for STUN; this rules out RTP/TURN
		// ChannelData (which set the high bits of the channel number).
		return ErrNotSTUNMessage
	}
	typeVal := bin.Uint16(buf[0:2])
	m.Type.ReadValue(typeVal)
	length := bin.Uint16(buf[2:4])
	cookie := bin.Uint32(buf[4:8])
	if cookie != magicCookie {
		return ErrNotSTUNMessage
	}
	copy(m.TransactionID[:], buf[8:20])
	if int(length) != len(buf)-headerSize {
		return ErrLengthMismatch
	}
	m.attrs = m.attrs[:0]
	offset := headerSize
	for offset < len(buf) {
		if offset+attrHeaderSize > len(buf) {
			return io.ErrUnexpectedEOF
		}
		at := AttrType(bin.Uint16(buf[offset : offset+2]))
		al := int(bin.Uint16(buf[offset+2 : offset+4]))
		valStart := offset + attrHeaderSize
		valEnd := valStart + al
		if valEnd > len(buf) {
			return ErrAttrTooShort
		}
		m.attrs = append(m.attrs, rawAttribute{
			Type:   at,
			Value:  buf[valStart:valEnd],
			offset: offset,
		})
		offset = valStart + nearestPaddedValueLength(al)
	}
	return nil
}

// Get returns the first attribute of type t.
func (m *Message) Get(t AttrType) (rawAttribute, error) {
	for _, a := range m.attrs {
		if a.Type == t {
			return a, nil
		}
	}
	return rawAttribute{}, ErrAttributeNotFound
}

// GetAll returns every attribute of type t, in wire order. Used for
// XOR-PEER-ADDRESS, which may repeat.
func (m *Message) GetAll(t AttrType) []rawAttribute {
	var out []rawAttribute
	for _, a := range m.attrs {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// Contains reports whether m has at least one attribute of type t.
func (m *Message) Contains(t AttrType) bool {
	_, err := m.Get(t)
	return err == nil
}

// Parse runs GetFrom for each getter in order and returns the first
// error, ErrAttributeNotFound included; a caller parsing optional
// attributes handles that error itself.
func (m *Message) Parse(getters ...Getter) error {
	for _, g := range getters {
		if err := g.GetFrom(m); err != nil {
			return err
		}
	}
	return nil
}

// IsMessage reports whether buf looks like a STUN message: long enough
// for a header, top two bits of the first byte clear, and the magic
// cookie present. This is the fast de-multiplexing check used ahead of
// ChannelData detection.
func IsMessage(buf []byte) bool {
	if len(buf) < headerSize {
		return false
	}
	if buf[0]&0xc0 != 0 {
		return false
	}
	return bin.Uint32(buf[4:8]) == magicCookie
}

func (m *Message) String() string {
	return fmt.Sprintf("%s l=%d id=%x", m.Type, len(m.Raw), m.TransactionID)
}
