package relaymsg

import (
	"time"

	"github.com/turngate/turngate/internal/stunmsg"
)

// Lifetime implements the LIFETIME attribute (RFC 5766 Section 14.2),
// the number of seconds remaining until an allocation expires.
type Lifetime time.Duration

// AddTo adds LIFETIME to m.
func (l Lifetime) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 4)
	bin.PutUint32(v, uint32(time.Duration(l).Seconds()))
	m.WriteAttribute(stunmsg.AttrLifetime, v)
	return nil
}

// GetFrom decodes LIFETIME from m.
func (l *Lifetime) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrLifetime)
	if err != nil {
		return err
	}
	if len(attr.Value) != 4 {
		return BadAttrLength{Attr: stunmsg.AttrLifetime, Got: len(attr.Value), Expected: 4}
	}
	*l = Lifetime(time.Duration(bin.Uint32(attr.Value)) * time.Second)
	return nil
}

// Data implements the DATA attribute (RFC 5766 Section 14.4), the
// application payload carried inside a Send/Data indication.
type Data []byte

// AddTo adds DATA to m.
func (d Data) AddTo(m *stunmsg.Message) error {
	m.WriteAttribute(stunmsg.AttrData, d)
	return nil
}

// GetFrom decodes DATA from m.
func (d *Data) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrData)
	if err != nil {
		return err
	}
	*d = append(Data(nil), attr.Value...)
	return nil
}

// RequestedTransport implements the REQUESTED-TRANSPORT attribute
// (RFC 5766 Section 14.7 / RFC 6062 Section 6.1), naming the protocol
// an allocation should relay.
type RequestedTransport struct {
	Protocol Protocol
}

// AddTo adds REQUESTED-TRANSPORT to m.
func (r RequestedTransport) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 4)
	v[0] = byte(r.Protocol)
	m.WriteAttribute(stunmsg.AttrRequestedTransport, v)
	return nil
}

// GetFrom decodes REQUESTED-TRANSPORT from m.
func (r *RequestedTransport) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrRequestedTransport)
	if err != nil {
		return err
	}
	if len(attr.Value) != 4 {
		return BadAttrLength{Attr: stunmsg.AttrRequestedTransport, Got: len(attr.Value), Expected: 4}
	}
	r.Protocol = Protocol(attr.Value[0])
	return nil
}

// DontFragment implements the DONT-FRAGMENT attribute, a zero-length
// flag instructing the server to set the IP DF bit on relayed UDP
// datagrams.
type DontFragment struct{}

// AddTo adds DONT-FRAGMENT to m.
func (DontFragment) AddTo(m *stunmsg.Message) error {
	m.WriteAttribute(stunmsg.AttrDontFragment, nil)
	return nil
}

// GetFrom reports (via error) whether DONT-FRAGMENT is present.
func (DontFragment) GetFrom(m *stunmsg.Message) error {
	_, err := m.Get(stunmsg.AttrDontFragment)
	return err
}

// EvenPort implements the EVEN-PORT attribute: a request that the
// relayed transport address use an even port number, optionally
// reserving the next higher odd port for a companion allocation.
type EvenPort struct {
	ReserveNext bool
}

const evenPortReserveBit = 0x80

// AddTo adds EVEN-PORT to m.
func (e EvenPort) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 1)
	if e.ReserveNext {
		v[0] = evenPortReserveBit
	}
	m.WriteAttribute(stunmsg.AttrEvenPort, v)
	return nil
}

// GetFrom decodes EVEN-PORT from m.
func (e *EvenPort) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrEvenPort)
	if err != nil {
		return err
	}
	if len(attr.Value) < 1 {
		return BadAttrLength{Attr: stunmsg.AttrEvenPort, Got: len(attr.Value), Expected: 1}
	}
	e.ReserveNext = attr.Value[0]&evenPortReserveBit != 0
	return nil
}

// ReservationToken implements the RESERVATION-TOKEN attribute (RFC
// 5766 Section 14.9), an 8-byte opaque token linking an EVEN-PORT
// reservation to the allocation that later claims it.
type ReservationToken [8]byte

// AddTo adds RESERVATION-TOKEN to m.
func (r ReservationToken) AddTo(m *stunmsg.Message) error {
	m.WriteAttribute(stunmsg.AttrReservationToken, r[:])
	return nil
}

// GetFrom decodes RESERVATION-TOKEN from m.
func (r *ReservationToken) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrReservationToken)
	if err != nil {
		return err
	}
	if len(attr.Value) != 8 {
		return BadAttrLength{Attr: stunmsg.AttrReservationToken, Got: len(attr.Value), Expected: 8}
	}
	copy(r[:], attr.Value)
	return nil
}

// ConnectionID implements the CONNECTION-ID attribute (RFC 6062
// Section 6.2.1), identifying a pending or bound peer-data TCP
// connection within an allocation.
type ConnectionID uint32

// AddTo adds CONNECTION-ID to m.
func (c ConnectionID) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 4)
	bin.PutUint32(v, uint32(c))
	m.WriteAttribute(stunmsg.AttrConnectionID, v)
	return nil
}

// GetFrom decodes CONNECTION-ID from m.
func (c *ConnectionID) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrConnectionID)
	if err != nil {
		return err
	}
	if len(attr.Value) != 4 {
		return BadAttrLength{Attr: stunmsg.AttrConnectionID, Got: len(attr.Value), Expected: 4}
	}
	*c = ConnectionID(bin.Uint32(attr.Value))
	return nil
}

// AddressFamily identifies IPv4 or IPv6 as carried in
// REQUESTED-ADDRESS-FAMILY and ADDITIONAL-ADDRESS-FAMILY (RFC 6156).
type AddressFamily byte

const (
	AddressFamilyIPv4 AddressFamily = 0x01
	AddressFamilyIPv6 AddressFamily = 0x02
)

// RequestedAddressFamily implements REQUESTED-ADDRESS-FAMILY (RFC 6156
// Section 4.1.1), letting a client ask for an IPv6 relayed address.
type RequestedAddressFamily struct {
	Family AddressFamily
}

// AddTo adds REQUESTED-ADDRESS-FAMILY to m.
func (r RequestedAddressFamily) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 4)
	v[0] = byte(r.Family)
	m.WriteAttribute(stunmsg.AttrRequestedAddressFamily, v)
	return nil
}

// GetFrom decodes REQUESTED-ADDRESS-FAMILY from m.
func (r *RequestedAddressFamily) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrRequestedAddressFamily)
	if err != nil {
		return err
	}
	if len(attr.Value) < 1 {
		return BadAttrLength{Attr: stunmsg.AttrRequestedAddressFamily, Got: len(attr.Value), Expected: 4}
	}
	r.Family = AddressFamily(attr.Value[0])
	return nil
}

// AdditionalAddressFamily implements ADDITIONAL-ADDRESS-FAMILY (RFC
// 6156 Section 4.1.2), a request for a second, dual-stack allocation.
type AdditionalAddressFamily struct {
	Family AddressFamily
}

// AddTo adds ADDITIONAL-ADDRESS-FAMILY to m.
func (a AdditionalAddressFamily) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 4)
	v[0] = byte(a.Family)
	m.WriteAttribute(stunmsg.AttrAdditionalAddrFamily, v)
	return nil
}

// GetFrom decodes ADDITIONAL-ADDRESS-FAMILY from m.
func (a *AdditionalAddressFamily) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrAdditionalAddrFamily)
	if err != nil {
		return err
	}
	if len(attr.Value) < 1 {
		return BadAttrLength{Attr: stunmsg.AttrAdditionalAddrFamily, Got: len(attr.Value), Expected: 4}
	}
	a.Family = AddressFamily(attr.Value[0])
	return nil
}

// ChangeRequest implements the CHANGE-REQUEST attribute (RFC 5780
// Section 7.2), used by NAT behavior discovery to ask the server to
// answer from its other IP and/or port.
type ChangeRequest struct {
	ChangeIP   bool
	ChangePort bool
}

const (
	changeIPBit   = 0x04
	changePortBit = 0x02
)

// AddTo adds CHANGE-REQUEST to m.
func (c ChangeRequest) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 4)
	var flags byte
	if c.ChangeIP {
		flags |= changeIPBit
	}
	if c.ChangePort {
		flags |= changePortBit
	}
	v[3] = flags
	m.WriteAttribute(stunmsg.AttrChangeRequest, v)
	return nil
}

// GetFrom decodes CHANGE-REQUEST from m.
func (c *ChangeRequest) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrChangeRequest)
	if err != nil {
		return err
	}
	if len(attr.Value) != 4 {
		return BadAttrLength{Attr: stunmsg.AttrChangeRequest, Got: len(attr.Value), Expected: 4}
	}
	c.ChangeIP = attr.Value[3]&changeIPBit != 0
	c.ChangePort = attr.Value[3]&changePortBit != 0
	return nil
}

// ResponsePort implements the RESPONSE-PORT attribute (RFC 5780
// Section 7.5), asking the server to respond from a specific port.
type ResponsePort uint16

// AddTo adds RESPONSE-PORT to m.
func (r ResponsePort) AddTo(m *stunmsg.Message) error {
	v := make([]byte, 4)
	bin.PutUint16(v[0:2], uint16(r))
	m.WriteAttribute(stunmsg.AttrResponsePort, v)
	return nil
}

// GetFrom decodes RESPONSE-PORT from m.
func (r *ResponsePort) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrResponsePort)
	if err != nil {
		return err
	}
	if len(attr.Value) < 2 {
		return BadAttrLength{Attr: stunmsg.AttrResponsePort, Got: len(attr.Value), Expected: 4}
	}
	*r = ResponsePort(bin.Uint16(attr.Value[0:2]))
	return nil
}

// Origin implements the ORIGIN attribute (RFC 7635 style usage
// inherited from the WebRTC ORIGIN extension), an opaque string
// identifying the application that originated the request; carried
// through unchanged so a downstream auth hook can consult it.
type Origin string

// AddTo adds ORIGIN to m.
func (o Origin) AddTo(m *stunmsg.Message) error {
	m.WriteAttribute(stunmsg.AttrOrigin, []byte(o))
	return nil
}

// GetFrom decodes ORIGIN from m.
func (o *Origin) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrOrigin)
	if err != nil {
		return err
	}
	*o = Origin(attr.Value)
	return nil
}

// Padding implements the PADDING attribute (RFC 5780 Section 7.1),
// used to pad a request so its sender can measure whether the path
// fragments large STUN messages.
type Padding int

// AddTo adds PADDING to m with n zero bytes.
func (p Padding) AddTo(m *stunmsg.Message) error {
	m.WriteAttribute(stunmsg.AttrPadding, make([]byte, int(p)))
	return nil
}

// GetFrom decodes the length of PADDING present in m.
func (p *Padding) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrPadding)
	if err != nil {
		return err
	}
	*p = Padding(len(attr.Value))
	return nil
}
