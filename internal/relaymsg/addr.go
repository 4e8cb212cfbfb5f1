package relaymsg

import (
	"net"

	"github.com/turngate/turngate/internal/stunmsg"
)

// PeerAddress implements the XOR-PEER-ADDRESS attribute (RFC 5766
// Section 14.3). It may appear more than once in a CreatePermission
// request, so callers read it with (*stunmsg.Message).GetAll and
// decode each occurrence individually.
type PeerAddress struct {
	IP   net.IP
	Port int
}

// AddTo adds XOR-PEER-ADDRESS to m.
func (a PeerAddress) AddTo(m *stunmsg.Message) error {
	return stunmsg.XORMappedAddress(a).AddToAs(m, stunmsg.AttrXORPeerAddress)
}

// GetFrom decodes the first XOR-PEER-ADDRESS from m.
func (a *PeerAddress) GetFrom(m *stunmsg.Message) error {
	return (*stunmsg.XORMappedAddress)(a).GetFromAs(m, stunmsg.AttrXORPeerAddress)
}

func (a PeerAddress) String() string {
	return stunmsg.XORMappedAddress(a).String()
}

// RelayedAddress implements the XOR-RELAYED-ADDRESS attribute (RFC
// 5766 Section 14.5), the transport address the server allocated for
// the client.
type RelayedAddress struct {
	IP   net.IP
	Port int
}

// AddTo adds XOR-RELAYED-ADDRESS to m.
func (a RelayedAddress) AddTo(m *stunmsg.Message) error {
	return stunmsg.XORMappedAddress(a).AddToAs(m, stunmsg.AttrXORRelayedAddress)
}

// GetFrom decodes XOR-RELAYED-ADDRESS from m.
func (a *RelayedAddress) GetFrom(m *stunmsg.Message) error {
	return (*stunmsg.XORMappedAddress)(a).GetFromAs(m, stunmsg.AttrXORRelayedAddress)
}

func (a RelayedAddress) String() string {
	return stunmsg.XORMappedAddress(a).String()
}

// ResponseOrigin implements the RESPONSE-ORIGIN attribute (RFC 5780
// Section 7.3), the address the server's response was sent from.
type ResponseOrigin struct {
	IP   net.IP
	Port int
}

// AddTo adds RESPONSE-ORIGIN to m.
func (a ResponseOrigin) AddTo(m *stunmsg.Message) error {
	return stunmsg.XORMappedAddress(a).AddToAs(m, stunmsg.AttrResponseOrigin)
}

// GetFrom decodes RESPONSE-ORIGIN from m.
func (a *ResponseOrigin) GetFrom(m *stunmsg.Message) error {
	return (*stunmsg.XORMappedAddress)(a).GetFromAs(m, stunmsg.AttrResponseOrigin)
}

// OtherAddress implements the OTHER-ADDRESS attribute (RFC 5780
// Section 7.4), used by NAT behavior discovery CHANGE-REQUEST probes.
// It shares RESPONSE-ORIGIN's encoding under a different attribute type.
type OtherAddress struct {
	IP   net.IP
	Port int
}

const attrOtherAddress = stunmsg.AttrResponseOrigin + 1 // 0x802c, RFC 5780

// AddTo adds OTHER-ADDRESS to m.
func (a OtherAddress) AddTo(m *stunmsg.Message) error {
	return stunmsg.XORMappedAddress(a).AddToAs(m, attrOtherAddress)
}

// GetFrom decodes OTHER-ADDRESS from m.
func (a *OtherAddress) GetFrom(m *stunmsg.Message) error {
	return (*stunmsg.XORMappedAddress)(a).GetFromAs(m, attrOtherAddress)
}

// AlternateServer implements the ALTERNATE-SERVER attribute (RFC 5389
// Section 15.11), carried in a 300 (Try Alternate) error response.
type AlternateServer struct {
	IP   net.IP
	Port int
}

// AddTo adds ALTERNATE-SERVER to m.
func (a AlternateServer) AddTo(m *stunmsg.Message) error {
	return stunmsg.MappedAddress(a).AddToAs(m, stunmsg.AttrAlternateServer)
}

// GetFrom decodes ALTERNATE-SERVER from m.
func (a *AlternateServer) GetFrom(m *stunmsg.Message) error {
	return (*stunmsg.MappedAddress)(a).GetFromAs(m, stunmsg.AttrAlternateServer)
}
