package stunmsg

import (
	"fmt"
	"net"
)

const (
	family4 = 0x01
	family6 = 0x02
)

// MappedAddress implements the MAPPED-ADDRESS attribute (RFC 5389
// Section 15.1), used for RFC 3489 backwards compatibility and as the
// basis for the XOR-* address attributes below.
type MappedAddress struct {
	IP   net.IP
	Port int
}

func addrFamily(ip net.IP) (byte, net.IP) {
	if v4 := ip.To4(); v4 != nil {
		return family4, v4
	}
	return family6, ip.To16()
}

// AddTo adds MAPPED-ADDRESS to m.
func (a MappedAddress) AddTo(m *Message) error {
	return a.AddToAs(m, AttrMappedAddress)
}

// AddToAs adds the address as attribute type t.
func (a MappedAddress) AddToAs(m *Message, t AttrType) error {
	family, ip := addrFamily(a.IP)
	if ip == nil {
		return fmt.Errorf("stunmsg: invalid IP %s", a.IP)
	}
	v := make([]byte, 4+len(ip))
	v[1] = family
	bin.PutUint16(v[2:4], uint16(a.Port))
	copy(v[4:], ip)
	m.WriteAttribute(t, v)
	return nil
}

// GetFrom decodes MAPPED-ADDRESS from m.
func (a *MappedAddress) GetFrom(m *Message) error {
	return a.GetFromAs(m, AttrMappedAddress)
}

// GetFromAs decodes an address stored as attribute type t.
func (a *MappedAddress) GetFromAs(m *Message, t AttrType) error {
	attr, err := m.Get(t)
	if err != nil {
		return err
	}
	return a.decode(attr.Value)
}

func (a *MappedAddress) decode(v []byte) error {
	if len(v) < 4 {
		return ErrAttrTooShort
	}
	family := v[1]
	port := bin.Uint16(v[2:4])
	var ip net.IP
	switch family {
	case family4:
		if len(v) < 8 {
			return ErrAttrTooShort
		}
		ip = net.IP(v[4:8])
	case family6:
		if len(v) < 20 {
			return ErrAttrTooShort
		}
		ip = net.IP(v[4:20])
	default:
		return fmt.Errorf("stunmsg: unknown address family 0x%x", family)
	}
	a.IP = append(net.IP(nil), ip...)
	a.Port = int(port)
	return nil
}

func (a MappedAddress) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprint(a.Port))
}

// XORMappedAddress implements XOR-MAPPED-ADDRESS (RFC 5389 Section
// 15.2) and, via AddToAs/GetFromAs, the XOR-PEER-ADDRESS and
// XOR-RELAYED-ADDRESS attributes that share its encoding (RFC 5766
// Sections 14.3 and 14.5).
type XORMappedAddress struct {
	IP   net.IP
	Port int
}

// AddTo adds XOR-MAPPED-ADDRESS to m.
func (a XORMappedAddress) AddTo(m *Message) error {
	return a.AddToAs(m, AttrXORMappedAddress)
}

// AddToAs adds the XOR-encoded address as attribute type t.
func (a XORMappedAddress) AddToAs(m *Message, t AttrType) error {
	family, ip := addrFamily(a.IP)
	if ip == nil {
		return fmt.Errorf("stunmsg: invalid IP %s", a.IP)
	}
	xored := xorAddr(ip, m.TransactionID)
	v := make([]byte, 4+len(xored))
	v[1] = family
	bin.PutUint16(v[2:4], uint16(a.Port)^uint16(magicCookie>>16))
	copy(v[4:], xored)
	m.WriteAttribute(t, v)
	return nil
}

// GetFrom decodes XOR-MAPPED-ADDRESS from m.
func (a *XORMappedAddress) GetFrom(m *Message) error {
	return a.GetFromAs(m, AttrXORMappedAddress)
}

// GetFromAs decodes an XOR-encoded address stored as attribute type t.
func (a *XORMappedAddress) GetFromAs(m *Message, t AttrType) error {
	attr, err := m.Get(t)
	if err != nil {
		return err
	}
	return a.decode(attr.Value, m.TransactionID)
}

func (a *XORMappedAddress) decode(v []byte, tid TransactionID) error {
	if len(v) < 4 {
		return ErrAttrTooShort
	}
	family := v[1]
	port := bin.Uint16(v[2:4]) ^ uint16(magicCookie>>16)
	var raw []byte
	switch family {
	case family4:
		if len(v) < 8 {
			return ErrAttrTooShort
		}
		raw = v[4:8]
	case family6:
		if len(v) < 20 {
			return ErrAttrTooShort
		}
		raw = v[4:20]
	default:
		return fmt.Errorf("stunmsg: unknown address family 0x%x", family)
	}
	a.IP = xorAddr(raw, tid)
	a.Port = int(port)
	return nil
}

// xorAddr XORs ip (4 or 16 bytes) against the magic cookie followed by
// the transaction id, as required by RFC 5389 Section 15.2. Applying it
// twice recovers the original address.
func xorAddr(ip net.IP, tid TransactionID) net.IP {
	var pad [16]byte
	bin.PutUint32(pad[0:4], magicCookie)
	copy(pad[4:16], tid[:])
	out := make(net.IP, len(ip))
	for i := range ip {
		out[i] = ip[i] ^ pad[i]
	}
	return out
}

func (a XORMappedAddress) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprint(a.Port))
}

// Equal reports whether a and b refer to the same IP and port.
func (a XORMappedAddress) Equal(b XORMappedAddress) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
