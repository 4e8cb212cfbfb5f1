package allocator

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	mathRand "math/rand"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/turngate/turngate/internal/relaymsg"
)

// maxPortAttempts bounds how many candidate ports SystemPortPooledAllocator
// tries before giving up on a single allocation; a handful of
// EADDRINUSE collisions against a range this size should never happen
// in practice, so this only guards against a fully exhausted range.
const maxPortAttempts = 64

// SystemPortPooledAllocator allocates UDP relay ports from a bounded
// [minPort, maxPort] range (spec.md §6's --min-port/--max-port,
// default 49152-65535), binding each port lazily on demand instead of
// pre-opening every socket in the range up front.
type SystemPortPooledAllocator struct {
	log     *zap.Logger
	network string
	ip      net.IP
	minPort int
	maxPort int
	mux     sync.Mutex
	rand    io.Reader
}

// NewSystemPortPooledAllocator returns an allocator restricted to
// [minPort, maxPort] on ip.
func NewSystemPortPooledAllocator(l *zap.Logger, network string, ip net.IP, minPort, maxPort int) (*SystemPortPooledAllocator, error) {
	a := &SystemPortPooledAllocator{
		log:     l,
		network: network,
		ip:      ip,
		minPort: minPort,
		maxPort: maxPort,
		rand:    rand.Reader,
	}
	if err := a.init(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *SystemPortPooledAllocator) init() error {
	if a.minPort > a.maxPort {
		return errors.New("minPort is larger than maxPort")
	}
	a.log.Info("port range enforced",
		zap.Int("min", a.minPort),
		zap.Int("max", a.maxPort),
	)
	return nil
}

// Close is a no-op: ports are bound and released individually by the
// NetAllocation they back, not tracked here.
func (a *SystemPortPooledAllocator) Close() error { return nil }

func (a *SystemPortPooledAllocator) randomPort() int {
	span := int64(a.maxPort-a.minPort) + 1
	a.mux.Lock()
	n, err := rand.Int(a.rand, big.NewInt(span))
	a.mux.Unlock()
	if err != nil {
		// Falling back to pseudo-random.
		return a.minPort + mathRand.Intn(int(span))
	}
	return a.minPort + int(n.Int64())
}

// AllocatePort binds a UDP socket to a random free port within the
// configured range, retrying on collision. TCP relay allocations are
// rejected: the pool only enforces a range for the UDP relay path
// (spec.md §6 names --min-port/--max-port for "the relay port range",
// which coturn and this repo both apply to UDP relay sockets).
func (a *SystemPortPooledAllocator) AllocatePort(proto relaymsg.Protocol, network, defaultAddr string) (NetAllocation, error) {
	if proto == relaymsg.ProtocolTCP {
		return NetAllocation{}, errors.New("pooled port allocator does not support tcp relay allocations")
	}
	var lastErr error
	for i := 0; i < maxPortAttempts; i++ {
		port := a.randomPort()
		addr := &net.UDPAddr{IP: a.ip, Port: port}
		conn, err := net.ListenUDP(a.network, addr)
		if err != nil {
			lastErr = err
			continue
		}
		return NetAllocation{
			Addr:  relaymsg.Addr{Port: port, IP: a.ip},
			Proto: relaymsg.ProtocolUDP,
			Conn:  conn,
		}, nil
	}
	a.log.Warn("failed to find free port in range", zap.Error(lastErr))
	return NetAllocation{}, errors.New("out of capacity: no free port in configured range")
}
