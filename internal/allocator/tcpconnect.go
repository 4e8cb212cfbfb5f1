package allocator

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/turngate/turngate/internal/relaymsg"
	"github.com/turngate/turngate/internal/stunmsg"
)

// ErrNoPermission is returned by Connect when no CreatePermission
// covers the requested peer (RFC 6062 Section 4 requires one).
var ErrNoPermission = errors.New("no permission installed for peer")

// ErrConnectionNotFound is returned when a connection id from a
// ConnectionBind request does not match any pending TCP connection.
var ErrConnectionNotFound = errors.New("connection id not found")

// ErrAlreadyBound is returned by ConnectionBind when the connection has
// already been bound to a client socket.
var ErrAlreadyBound = errors.New("connection already bound")

// Connect implements the RFC 6062 Connect request: it dials peer over
// TCP and, once the handshake
// completes, registers the resulting TCPConnection under a freshly
// minted connection id, which is returned with no error. workerID
// scopes the id to the worker calling this so two workers never mint
// the same id concurrently (see tcpConnTable.newConnectionID). The
// dialer sets no local address, so the peer connection's source
// address is chosen by the OS; it is not the allocation's relayed
// address.
//
// The dial itself is synchronous, matching RFC 6062's requirement that
// a ConnectionAttempt indication only be sent to the client after the
// peer-side TCP handshake has completed.
func (a *Allocator) Connect(tuple relaymsg.FiveTuple, peer relaymsg.Addr, workerID byte, deadline time.Duration) (relaymsg.ConnectionID, error) {
	a.allocsMux.Lock()
	alloc := a.find(tuple)
	if alloc == nil {
		a.allocsMux.Unlock()
		return 0, ErrAllocationMismatch
	}
	if alloc.Tuple.Proto != relaymsg.ProtocolTCP {
		a.allocsMux.Unlock()
		return 0, ErrUnsupportedTransport
	}
	if p := alloc.Permissions.find(peer.IP); p == nil {
		a.allocsMux.Unlock()
		return 0, ErrNoPermission
	}
	id := alloc.TCPConns.newConnectionID(workerID)
	a.allocsMux.Unlock()

	d := net.Dialer{Timeout: TCPConnectTimeout}
	peerConn, err := d.Dial("tcp4", peer.UDPAddr().String())
	if err != nil {
		return 0, errors.Wrap(err, "failed to connect to peer")
	}

	now := time.Now()
	conn := &TCPConnection{
		ID:          id,
		Peer:        peer,
		PeerConn:    peerConn,
		ConnectedAt: now,
		Deadline:    now.Add(deadline),
	}

	a.allocsMux.Lock()
	alloc = a.find(tuple)
	if alloc == nil {
		a.allocsMux.Unlock()
		_ = peerConn.Close()
		return 0, ErrAllocationMismatch
	}
	alloc.TCPConns.insert(conn)
	a.allocsMux.Unlock()

	a.log.Debug("tcp relay connected",
		zap.Stringer("tuple", tuple),
		zap.Stringer("peer", peer),
		zap.Uint32("connection_id", uint32(id)),
	)
	return id, nil
}

// ConnectionBind implements the RFC 6062 ConnectionBind request: it
// pairs a freshly accepted client TCP connection with the pending
// TCPConnection identified by id, after which data relayed between
// client and peer is spliced directly rather than going through the
// STUN/ChannelData framing used by UDP relays. Returns the peer-side
// net.Conn so the caller can start the bidirectional copy.
func (a *Allocator) ConnectionBind(tuple relaymsg.FiveTuple, id relaymsg.ConnectionID, client net.Conn) (net.Conn, error) {
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	alloc := a.find(tuple)
	if alloc == nil {
		return nil, ErrAllocationMismatch
	}
	conn, ok := alloc.TCPConns.get(id)
	if !ok {
		return nil, ErrConnectionNotFound
	}
	if conn.Bound {
		return nil, ErrAlreadyBound
	}
	conn.ClientConn = client
	conn.Bound = true
	conn.Deadline = time.Time{} // bound connections live until either side closes
	return conn.PeerConn, nil
}

// FindTCPConn looks up a pending or bound TCP relay connection by id.
func (a *Allocator) FindTCPConn(tuple relaymsg.FiveTuple, id relaymsg.ConnectionID) (*TCPConnection, error) {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	alloc := a.find(tuple)
	if alloc == nil {
		return nil, ErrAllocationMismatch
	}
	conn, ok := alloc.TCPConns.get(id)
	if !ok {
		return nil, ErrConnectionNotFound
	}
	cp := *conn
	return &cp, nil
}

// SetTransactionID records the STUN transaction id that accompanied a
// Connect request on the connection that request created. No
// ConnectionAttempt indication is sent by this package.
func (a *Allocator) SetTransactionID(tuple relaymsg.FiveTuple, id relaymsg.ConnectionID, txID stunmsg.TransactionID) error {
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	alloc := a.find(tuple)
	if alloc == nil {
		return ErrAllocationMismatch
	}
	conn, ok := alloc.TCPConns.get(id)
	if !ok {
		return ErrConnectionNotFound
	}
	conn.TransactionID = txID
	return nil
}
