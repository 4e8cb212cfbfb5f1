package allocator

import (
	"net"
	"time"

	"github.com/turngate/turngate/internal/relaymsg"
)

// SystemPortAllocator allocates port directly on system.
type SystemPortAllocator struct{}

// AllocatePort returns new requested initialized NetAllocation.
func (s SystemPortAllocator) AllocatePort(
	proto relaymsg.Protocol, network, defaultAddr string,
) (NetAllocation, error) {
	if proto == relaymsg.ProtocolTCP {
		addr, err := net.ResolveTCPAddr(network, defaultAddr)
		if err != nil {
			return NetAllocation{}, err
		}
		ln, err := net.ListenTCP(network, addr)
		if err != nil {
			return NetAllocation{}, err
		}
		realAddr := ln.Addr().(*net.TCPAddr)
		return NetAllocation{
			Proto: proto,
			Addr:  relaymsg.Addr{Port: realAddr.Port, IP: realAddr.IP},
			Conn:  tcpListenerPacketConn{ln},
		}, nil
	}
	addr, err := net.ResolveUDPAddr(network, defaultAddr)
	if err != nil {
		return NetAllocation{}, err
	}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return NetAllocation{}, err
	}
	realAddr := conn.LocalAddr().(*net.UDPAddr)
	return NetAllocation{
		Proto: proto,
		Addr:  relaymsg.Addr{Port: realAddr.Port, IP: realAddr.IP},
		Conn:  conn,
	}, nil
}

// tcpListenerPacketConn adapts a *net.TCPListener to the
// net.PacketConn shape NetAllocation expects, so the RFC 6062 TCP
// relay path (which accepts individual peer connections rather than
// reading datagrams) can share the same allocation bookkeeping as the
// UDP path. ReadFrom/WriteTo are never called for a TCP allocation;
// only Close and LocalAddr are exercised.
type tcpListenerPacketConn struct {
	*net.TCPListener
}

func (c tcpListenerPacketConn) LocalAddr() net.Addr {
	return c.TCPListener.Addr()
}

func (tcpListenerPacketConn) ReadFrom([]byte) (int, net.Addr, error) {
	panic("relaymsg: ReadFrom not supported on a TCP relay listener")
}

func (tcpListenerPacketConn) WriteTo([]byte, net.Addr) (int, error) {
	panic("relaymsg: WriteTo not supported on a TCP relay listener")
}

func (tcpListenerPacketConn) SetReadDeadline(time.Time) error  { return nil }
func (tcpListenerPacketConn) SetWriteDeadline(time.Time) error { return nil }
