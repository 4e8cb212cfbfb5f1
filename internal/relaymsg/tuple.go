package relaymsg

import (
	"fmt"
	"net"
)

// Addr is a transport address: an IP and a port, independent of the
// protocol carrying it. It mirrors stunmsg.XORMappedAddress's shape so
// the two convert without copying IP bytes twice.
type Addr struct {
	IP   net.IP
	Port int
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprint(a.Port))
}

// Equal reports whether a and b are the same IP and port.
func (a Addr) Equal(b Addr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// FromUDPAddr converts a *net.UDPAddr to Addr.
func FromUDPAddr(u *net.UDPAddr) Addr {
	return Addr{IP: u.IP, Port: u.Port}
}

// UDPAddr converts a to *net.UDPAddr.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

// FiveTuple uniquely identifies a client-to-server flow: the client
// and server transport addresses plus the protocol connecting them
// (RFC 5766 Section 2). It is the key every allocation, permission,
// and channel binding in internal/allocator is scoped under, and the
// key of the per-client nonce (internal/auth) and bandwidth counter
// (internal/server) records.
type FiveTuple struct {
	Client Addr
	Server Addr
	Proto  Protocol
}

func (t FiveTuple) String() string {
	return fmt.Sprintf("%s->%s (%s)", t.Client, t.Server, t.Proto)
}

// Equal reports whether t and b identify the same flow.
func (t FiveTuple) Equal(b FiveTuple) bool {
	return t.Proto == b.Proto && t.Client.Equal(b.Client) && t.Server.Equal(b.Server)
}
