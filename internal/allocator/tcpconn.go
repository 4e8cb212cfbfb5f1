package allocator

import (
	"container/list"
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"net"
	"time"

	"github.com/turngate/turngate/internal/relaymsg"
	"github.com/turngate/turngate/internal/stunmsg"
)

// RFC 6062 Section 4 timeouts: a TURN server tears down a pending peer
// connection if the peer does not answer within 30s, and tears down a
// connection accepted via ConnectionAttempt if the client does not
// issue ConnectionBind within 30s.
const (
	TCPConnectTimeout = 30 * time.Second
	TCPBindTimeout    = 30 * time.Second
)

// TCPConnection is one RFC 6062 TCP relay connection: a peer-side
// net.Conn paired with (eventually) a client-side net.Conn bound to it
// by ConnectionBind, tracked under the owning allocation.
type TCPConnection struct {
	ID            relaymsg.ConnectionID
	Peer          relaymsg.Addr
	PeerConn      net.Conn // dialed to the peer once Connect succeeds
	ClientConn    net.Conn // bound by ConnectionBind; nil until then
	TransactionID stunmsg.TransactionID
	ConnectedAt   time.Time
	Deadline      time.Time // ConnectTimeout until PeerConn dials, then BindTimeout until ClientConn binds
	Bound         bool

	elem *list.Element
}

// tcpConnTable indexes an allocation's TCP relay connections by
// connection id and keeps a doubly linked active list so the timer
// sweep can walk them in insertion order without scanning the whole
// map (RFC 6062 Section 5/6).
type tcpConnTable struct {
	byID   map[relaymsg.ConnectionID]*TCPConnection
	active list.List
}

func (t *tcpConnTable) init() {
	if t.byID == nil {
		t.byID = make(map[relaymsg.ConnectionID]*TCPConnection)
		t.active.Init()
	}
}

func (t *tcpConnTable) insert(c *TCPConnection) {
	t.init()
	t.byID[c.ID] = c
	c.elem = t.active.PushBack(c)
}

func (t *tcpConnTable) get(id relaymsg.ConnectionID) (*TCPConnection, bool) {
	if t.byID == nil {
		return nil, false
	}
	c, ok := t.byID[id]
	return c, ok
}

func (t *tcpConnTable) remove(id relaymsg.ConnectionID) {
	if t.byID == nil {
		return
	}
	c, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	t.active.Remove(c.elem)
}

// prune removes every unbound connection whose deadline has passed, as
// of now, and returns them so the caller can close them. Bound
// connections are never pruned.
func (t *tcpConnTable) prune(now time.Time) []*TCPConnection {
	if t.byID == nil {
		return nil
	}
	var expired []*TCPConnection
	for e := t.active.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(*TCPConnection)
		if c.Bound || c.Deadline.After(now) {
			e = next
			continue
		}
		delete(t.byID, c.ID)
		t.active.Remove(e)
		expired = append(expired, c)
		e = next
	}
	return expired
}

// newConnectionID mints a connection id unique within table: the high
// byte is the worker id (so ids minted by different workers never
// collide), the low 24 bits are a nonzero value from crypto/rand, falling back to
// math/rand if the system CSPRNG is unavailable (grounded on
// SystemPortPooledAllocator.randomPort's same fallback).
func (t *tcpConnTable) newConnectionID(workerID byte) relaymsg.ConnectionID {
	t.init()
	for {
		var low [3]byte
		if _, err := rand.Read(low[:]); err != nil {
			v := mathrand.Uint32() & 0x00ffffff
			low[0], low[1], low[2] = byte(v>>16), byte(v>>8), byte(v)
		}
		id := relaymsg.ConnectionID(binary.BigEndian.Uint32([]byte{workerID, low[0], low[1], low[2]}))
		if id&0x00ffffff == 0 {
			continue
		}
		if _, exists := t.byID[id]; exists {
			continue
		}
		return id
	}
}
