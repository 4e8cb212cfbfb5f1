package allocator

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/turngate/turngate/internal/relaymsg"
)

// PeerHandler represents handler for data that is sent to relayed address
// of allocation.
type PeerHandler interface {
	HandlePeerData(d []byte, t relaymsg.FiveTuple, a relaymsg.Addr)
}

// Binding is a channel number bound to a peer port within a
// Permission's address (RFC 5766 Section 2.5).
type Binding struct {
	Port    int
	Channel relaymsg.ChannelNumber
	Timeout time.Time
}

// Permission as described in "Permissions" section, mimics the
// address-restricted filtering mechanism of NAT's.
//
// See RFC 5766 Section 2.3
type Permission struct {
	IP       net.IP
	Timeout  time.Time
	Bindings []Binding
}

func (p Permission) String() string {
	if len(p.Bindings) == 0 {
		return fmt.Sprintf("%s [%s]", p.IP, p.Timeout.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s (b:%d) [%s]", p.IP, len(p.Bindings), p.Timeout.Format(time.RFC3339))
}

// conflicts reports whether binding channel n to peer would collide
// with an existing binding: the same channel number already bound to
// a different peer, or this peer already bound to a different
// channel (RFC 5766 Section 11 forbids both).
func (p *Permission) conflicts(n relaymsg.ChannelNumber, peer relaymsg.Addr) bool {
	for _, b := range p.Bindings {
		if b.Channel == n && b.Port != peer.Port {
			return true
		}
		if b.Port == peer.Port && b.Channel != n {
			return true
		}
	}
	return false
}

func (p *Permission) binding(n relaymsg.ChannelNumber) *Binding {
	for i := range p.Bindings {
		if p.Bindings[i].Channel == n {
			return &p.Bindings[i]
		}
	}
	return nil
}

// Allocation as described in "Allocations" section.
//
// See RFC 5766 Section 2.2
type Allocation struct {
	Tuple       relaymsg.FiveTuple
	Permissions permissionTable
	Channels    channelIndex
	TCPConns    tcpConnTable // RFC 6062, empty unless Tuple.Proto is TCP
	RelayedAddr relaymsg.Addr // relayed transport address
	Conn        net.PacketConn // on RelayedAddr, nil when relaying over TCP
	Callback    PeerHandler    // for data from Conn
	Timeout     time.Time      // time-to-expiry
	Buf         []byte         // read buffer
	Log         *zap.Logger
}

// ReadUntilClosed starts network loop that passes all received data to
// PeerHandler. Stops on connection close or any error.
func (a *Allocation) ReadUntilClosed() {
	a.Log.Debug("start")
	defer func() {
		a.Log.Debug("stop")
	}()
	for {
		if err := a.Conn.SetReadDeadline(time.Now().Add(time.Minute)); err != nil {
			a.Log.Warn("SetReadDeadline failed", zap.Error(err))
			break
		}
		n, addr, err := a.Conn.ReadFrom(a.Buf)
		if err != nil && err != io.EOF {
			netErr, ok := err.(net.Error)
			if ok && (netErr.Temporary() || netErr.Timeout()) {
				continue
			}
			a.Log.Error("read",
				zap.Error(err),
			)
			break
		}
		if ce := a.Log.Check(zapcore.DebugLevel, "read"); ce != nil {
			ce.Write(zap.Int("n", n))
		}
		udpAddr := addr.(*net.UDPAddr)
		a.Callback.HandlePeerData(a.Buf[:n], a.Tuple, relaymsg.FromUDPAddr(udpAddr))
	}
}
