// Package allocator implements TURN allocation, permission, channel
// binding and TCP relay connection management (RFC 5766, RFC 6062).
package allocator

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/turngate/turngate/internal/relaymsg"
)

// Options contain possible settings for Allocator.
type Options struct {
	Log    *zap.Logger
	Conn   RelayedAddrAllocator
	Labels prometheus.Labels
}

// NewAllocator initializes and returns new *Allocator.
func NewAllocator(o Options) *Allocator {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return &Allocator{
		log:   o.Log,
		raddr: o.Conn,
		metrics: map[string]*prometheus.Desc{
			"allocation_count": prometheus.NewDesc("turngate_allocation_count",
				"Total number of allocations.", []string{}, o.Labels),
			"permission_count": prometheus.NewDesc("turngate_permission_count",
				"Total number of permissions.", []string{}, o.Labels),
			"binding_count": prometheus.NewDesc("turngate_binding_count",
				"Total number of channel bindings.", []string{}, o.Labels),
			"tcp_connection_count": prometheus.NewDesc("turngate_tcp_connection_count",
				"Total number of RFC 6062 TCP relay connections.", []string{}, o.Labels),
		},
	}
}

// Allocator handles allocation.
type Allocator struct {
	log       *zap.Logger
	allocsMux sync.RWMutex
	allocs    []Allocation
	raddr     RelayedAddrAllocator
	metrics   map[string]*prometheus.Desc
}

// Describe implements prometheus.Collector.
func (a *Allocator) Describe(c chan<- *prometheus.Desc) {
	for _, d := range a.metrics {
		c <- d
	}
}

// Collect implements prometheus.Collector.
func (a *Allocator) Collect(c chan<- prometheus.Metric) {
	s := a.Stats()
	for _, m := range []prometheus.Metric{
		prometheus.MustNewConstMetric(a.metrics["allocation_count"], prometheus.GaugeValue, float64(s.Allocations)),
		prometheus.MustNewConstMetric(a.metrics["permission_count"], prometheus.GaugeValue, float64(s.Permissions)),
		prometheus.MustNewConstMetric(a.metrics["binding_count"], prometheus.GaugeValue, float64(s.Bindings)),
		prometheus.MustNewConstMetric(a.metrics["tcp_connection_count"], prometheus.GaugeValue, float64(s.TCPConnections)),
	} {
		c <- m
	}
}

// ErrPermissionNotFound means that requested allocation (client,addr) is not found.
var ErrPermissionNotFound = errors.New("permission not found")

// ErrAllocationMismatch is a 437 (Allocation Mismatch) error.
var ErrAllocationMismatch = errors.New("5-tuple is currently in use")

// ErrUnsupportedTransport is a 442 (Unsupported Transport Protocol) error.
var ErrUnsupportedTransport = errors.New("requested transport protocol not supported")

// RelayedAddrAllocator represents allocator for relayed transport
// addresses on the configured interface.
type RelayedAddrAllocator interface {
	New(proto relaymsg.Protocol) (relaymsg.Addr, net.PacketConn, error)
	Remove(addr relaymsg.Addr, proto relaymsg.Protocol) error
}

func (a *Allocator) find(tuple relaymsg.FiveTuple) *Allocation {
	for i := range a.allocs {
		if a.allocs[i].Tuple.Equal(tuple) {
			return &a.allocs[i]
		}
	}
	return nil
}

// New creates new allocation for provided client and proto. Any data
// received by the allocated socket is passed to callback. UDP and TCP
// (RFC 6062) relayed transports are both supported; other protocols
// are rejected with ErrUnsupportedTransport.
func (a *Allocator) New(tuple relaymsg.FiveTuple, timeout time.Time, callback PeerHandler) (relaymsg.Addr, error) {
	l := a.log.Named("allocation").With(zap.Stringer("tuple", tuple))
	l.Debug("new", zap.Time("timeout", timeout))
	switch tuple.Proto {
	case relaymsg.ProtocolUDP, relaymsg.ProtocolTCP:
		// pass
	default:
		return relaymsg.Addr{}, ErrUnsupportedTransport
	}
	a.allocsMux.Lock()
	if a.find(tuple) != nil {
		a.allocsMux.Unlock()
		// The 5-tuple is currently in use by an existing allocation.
		return relaymsg.Addr{}, ErrAllocationMismatch
	}
	allocation := Allocation{
		Log:      l,
		Tuple:    tuple,
		Callback: callback,
		Timeout:  timeout,
	}
	a.allocs = append(a.allocs, allocation)
	a.allocsMux.Unlock()

	raddr, conn, err := a.raddr.New(tuple.Proto)
	if err != nil {
		a.log.Error("failed", zap.Stringer("tuple", tuple), zap.Error(err))
		return relaymsg.Addr{}, errors.Wrap(err, "failed to allocate")
	}
	l = l.With(zap.Stringer("raddr", raddr))
	l.Debug("ok")

	a.allocsMux.Lock()
	alloc := a.find(tuple)
	if alloc == nil {
		a.allocsMux.Unlock()
		return relaymsg.Addr{}, ErrAllocationMismatch
	}
	alloc.RelayedAddr = raddr
	alloc.Log = l
	if tuple.Proto == relaymsg.ProtocolUDP {
		alloc.Conn = conn
		alloc.Buf = make([]byte, 2048)
	}
	a.allocsMux.Unlock()

	if tuple.Proto == relaymsg.ProtocolUDP {
		go alloc.ReadUntilClosed()
	}
	return raddr, nil
}

// Remove de-allocates and removes allocation.
func (a *Allocator) Remove(t relaymsg.FiveTuple) error {
	var toDealloc *Allocation
	a.allocsMux.Lock()
	kept := a.allocs[:0]
	for i := range a.allocs {
		if !a.allocs[i].Tuple.Equal(t) {
			kept = append(kept, a.allocs[i])
			continue
		}
		alloc := a.allocs[i]
		toDealloc = &alloc
	}
	a.allocs = kept
	a.allocsMux.Unlock()
	if toDealloc == nil {
		return ErrAllocationMismatch
	}
	if err := a.raddr.Remove(toDealloc.RelayedAddr, toDealloc.Tuple.Proto); err != nil {
		a.log.Warn("failed to remove allocation", zap.Error(err))
	}
	return nil
}

// Prune removes any timed out permissions, channel bindings, TCP
// connections, or allocations as of t.
func (a *Allocator) Prune(t time.Time) {
	var toDealloc []Allocation
	a.allocsMux.Lock()
	kept := a.allocs[:0]
	for i := range a.allocs {
		alloc := &a.allocs[i]
		alloc.Permissions.prune(func(p *Permission) bool {
			alive := p.Timeout.After(t)
			newBindings := p.Bindings[:0]
			for _, b := range p.Bindings {
				if alive && b.Timeout.After(t) {
					newBindings = append(newBindings, b)
				} else {
					alloc.Channels.remove(b.Channel)
				}
			}
			p.Bindings = newBindings
			return alive
		})
		for _, c := range alloc.TCPConns.prune(t) {
			a.closeTCPConn(c)
		}
		if alloc.Timeout.After(t) {
			kept = append(kept, *alloc)
		} else {
			toDealloc = append(toDealloc, *alloc)
		}
	}
	a.allocs = kept
	a.allocsMux.Unlock()

	for i := range toDealloc {
		if err := a.raddr.Remove(toDealloc[i].RelayedAddr, toDealloc[i].Tuple.Proto); err != nil {
			a.log.Warn("failed to remove allocation", zap.Error(err))
		}
	}
}

func (a *Allocator) closeTCPConn(c *TCPConnection) {
	if c.PeerConn != nil {
		_ = c.PeerConn.Close()
	}
	if c.ClientConn != nil {
		_ = c.ClientConn.Close()
	}
}

// CreatePermission creates or refreshes a permission for peer on the
// allocation identified by tuple.
func (a *Allocator) CreatePermission(tuple relaymsg.FiveTuple, peer relaymsg.Addr, timeout time.Time) error {
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	alloc := a.find(tuple)
	if alloc == nil {
		return ErrAllocationMismatch
	}
	updated := false
	if p := alloc.Permissions.find(peer.IP); p != nil {
		p.Timeout = timeout
		updated = true
	} else {
		ip := append(net.IP(nil), peer.IP...)
		alloc.Permissions.insert(&Permission{IP: ip, Timeout: timeout})
	}
	a.log.Debug("permission",
		zap.Stringer("tuple", tuple),
		zap.Stringer("peer", peer),
		zap.Bool("updated", updated),
		zap.Time("timeout", timeout),
	)
	return nil
}

// ChannelBind creates or refreshes a channel binding, creating the
// backing permission implicitly if one did not already exist.
//
// Allocator implementation does not assume any default timeout.
func (a *Allocator) ChannelBind(tuple relaymsg.FiveTuple, n relaymsg.ChannelNumber, peer relaymsg.Addr, timeout time.Time) error {
	if !n.Valid() {
		return relaymsg.ErrInvalidChannelNumber
	}
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	alloc := a.find(tuple)
	if alloc == nil {
		return ErrAllocationMismatch
	}
	p := alloc.Permissions.find(peer.IP)
	if p == nil {
		ip := append(net.IP(nil), peer.IP...)
		p = &Permission{IP: ip, Timeout: timeout}
		alloc.Permissions.insert(p)
	}
	if p.conflicts(n, peer) {
		return ErrAllocationMismatch
	}
	if b := p.binding(n); b != nil {
		b.Timeout = timeout
		a.log.Debug("updated binding", zap.Stringer("addr", peer), zap.Stringer("tuple", tuple), zap.Stringer("binding", n))
	} else {
		p.Bindings = append(p.Bindings, Binding{Port: peer.Port, Channel: n, Timeout: timeout})
		a.log.Debug("created binding", zap.Stringer("addr", peer), zap.Stringer("tuple", tuple), zap.Stringer("binding", n))
	}
	if timeout.After(p.Timeout) {
		p.Timeout = timeout
	}
	alloc.Channels.bind(n, peer)
	return nil
}

// Bound returns currently bound channel for provided 5-tuple and peer.
func (a *Allocator) Bound(tuple relaymsg.FiveTuple, peer relaymsg.Addr) (relaymsg.ChannelNumber, error) {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	alloc := a.find(tuple)
	if alloc == nil {
		return 0, ErrAllocationMismatch
	}
	p := alloc.Permissions.find(peer.IP)
	if p == nil {
		return 0, ErrAllocationMismatch
	}
	for _, b := range p.Bindings {
		if b.Port == peer.Port {
			return b.Channel, nil
		}
	}
	return 0, ErrAllocationMismatch
}

// Refresh updates existing allocation timeout.
func (a *Allocator) Refresh(tuple relaymsg.FiveTuple, timeout time.Time) error {
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	alloc := a.find(tuple)
	if alloc == nil {
		return ErrAllocationMismatch
	}
	alloc.Timeout = timeout
	return nil
}

// Send uses the existing allocation for client to write data to peer.
//
// Returns ErrPermissionNotFound if no permission covers peer's address.
func (a *Allocator) Send(tuple relaymsg.FiveTuple, peer relaymsg.Addr, data []byte) (int, error) {
	a.log.Debug("searching for allocation", zap.Stringer("t", tuple), zap.Stringer("peer", peer))
	a.allocsMux.RLock()
	var conn net.PacketConn
	if alloc := a.find(tuple); alloc != nil {
		if p := alloc.Permissions.find(peer.IP); p != nil {
			conn = alloc.Conn
		}
	}
	a.allocsMux.RUnlock()
	if conn == nil {
		return 0, ErrPermissionNotFound
	}
	a.log.Debug("sending data", zap.Stringer("tuple", tuple), zap.Stringer("addr", peer), zap.Int("len", len(data)))
	return conn.WriteTo(data, peer.UDPAddr())
}

// SendBound uses an existing allocation identified by tuple with bound
// channel number n to send data.
func (a *Allocator) SendBound(tuple relaymsg.FiveTuple, n relaymsg.ChannelNumber, data []byte) (int, error) {
	if ce := a.log.Check(zapcore.DebugLevel, "searching for bound allocation"); ce != nil {
		ce.Write(zap.Stringer("tuple", tuple), zap.Stringer("n", n))
	}
	a.allocsMux.RLock()
	var (
		conn net.PacketConn
		addr relaymsg.Addr
	)
	if alloc := a.find(tuple); alloc != nil {
		if peer, ok := alloc.Channels.lookup(n); ok {
			conn = alloc.Conn
			addr = peer
		}
	}
	a.allocsMux.RUnlock()
	if conn == nil {
		return 0, ErrPermissionNotFound
	}
	a.log.Debug("sending data",
		zap.Stringer("tuple", tuple),
		zap.Stringer("addr", addr),
		zap.Int("len", len(data)),
	)
	return conn.WriteTo(data, addr.UDPAddr())
}

// Stats contains allocator statistics.
type Stats struct {
	// Allocations is the total number of allocations.
	Allocations int
	// Permissions is the total number of permissions in all allocations.
	Permissions int
	// Bindings is the total number of channel bindings in all allocations.
	Bindings int
	// TCPConnections is the total number of RFC 6062 TCP relay connections.
	TCPConnections int
}

// Stats returns current statistics.
func (a *Allocator) Stats() Stats {
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	s := Stats{Allocations: len(a.allocs)}
	for i := range a.allocs {
		perms := a.allocs[i].Permissions.all()
		s.Permissions += len(perms)
		for _, p := range perms {
			s.Bindings += len(p.Bindings)
		}
		if a.allocs[i].TCPConns.byID != nil {
			s.TCPConnections += len(a.allocs[i].TCPConns.byID)
		}
	}
	return s
}
