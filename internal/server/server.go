package server

import (
	"crypto/tls"
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pion/dtls/v3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/turngate/turngate/internal/allocator"
	"github.com/turngate/turngate/internal/auth"
	"github.com/turngate/turngate/internal/filter"
	"github.com/turngate/turngate/internal/relaymsg"
	"github.com/turngate/turngate/internal/stunmsg"
)

// Server is a STUN/TURN relay server (RFC 5389, RFC 5766, RFC 5780,
// RFC 6062, RFC 6156).
//
// A Server owns one client-facing net.PacketConn (UDP) and dispatches
// packets to a bounded worker pool through one shared queue; the pool
// does not pick a worker by source port (see Serve). TCP and TLS control connections (relay.go's ListenTCP/
// ListenTLS) and DTLS associations (listener_dtls.go's ListenDTLS) are
// additional listeners registered against the same Server: TCP/TLS are
// served per-connection via serveTCPConn, DTLS associations are handed
// to the same worker loop as the UDP socket through a net.PacketConn
// adapter.
type Server struct {
	addr        relaymsg.Addr
	conns       []io.Closer
	conn        net.PacketConn
	auth        Auth
	nonce       NonceManager
	cfg         atomic.Value
	log         *zap.Logger
	allocs      *allocator.Allocator
	bandwidth   *bandwidthTracker
	close       chan struct{}
	handlers    map[stunmsg.MessageType]handleFunc
	pool        *workerPool
	wg          sync.WaitGroup
	reusePort   bool
	promMetrics *promMetrics
}

func (s *Server) config() config { return s.cfg.Load().(config) }

// setOptions updates the subset of server configuration that can
// safely change after Serve has started: AuthForSTUN, Software, Realm,
// PeerRule, ClientRule, DebugCollect, MetricsEnabled and lifetimes.
// The bandwidth cap is fixed when New runs and is not changed here.
// The snapshot is swapped atomically, so in-flight
// handlers never observe a torn read.
func (s *Server) setOptions(opt Options) { s.cfg.Store(s.newConfig(opt)) }

// Options configures a new Server.
type Options struct {
	Software        string // not adding SOFTWARE attribute if blank
	Realm           string
	Auth            Auth // no authentication if nil
	Conn            net.PacketConn
	Labels          prometheus.Labels // prometheus labels
	Registry        MetricsRegistry   // prometheus registry
	MetricsEnabled  bool              // enable prometheus metrics (adds overhead)
	NonceManager    NonceManager      // optional nonce manager implementation
	PeerRule        filter.Rule
	ClientRule      filter.Rule // filtering rule for listeners
	Log             *zap.Logger
	CollectRate     time.Duration
	Workers         int           // maximum workers count; 0 means 100 (there is no single-threaded mode)
	NonceDuration   time.Duration // no nonce rotate if 0
	ManualStart     bool          // don't start bg activity
	AuthForSTUN     bool          // require auth for binding requests
	ReusePort       bool          // spawn more sockets on same port if available
	DebugCollect    bool          // debug collect calls
	MaxLifetime     time.Duration // clamp for client-requested allocation lifetime (default 1h)
	DefaultLifetime time.Duration // lifetime used when a request omits LIFETIME (default 1m)
	MaxBandwidth    uint64        // per-session byte/sec cap, combined input+output; 0 disables (spec.md §4.5)
	MinPort         int           // relay port range floor; 0 (with MaxPort) means unrestricted (spec.md §6)
	MaxPort         int           // relay port range ceiling; 0 (with MinPort) means unrestricted
	NoUDPRelay      bool          // reject UDP-transport Allocate requests (spec.md §6 --no-udp-relay)
	NoTCPRelay      bool          // reject RFC 6062 Connect/ConnectionBind requests (spec.md §6 --no-tcp-relay)
	ExternalIP         net.IP     // advertised in RELAYED-ADDRESS in place of the relay socket's bound IP (spec.md §6 -X/--external-ip)
	AlternateServer    string     // host:port returned via 300 Try Alternate + ALTERNATE-SERVER for Binding requests over plain UDP/TCP (spec.md §6 --alternate-server)
	TLSAlternateServer string     // same as AlternateServer, but only offered over a TLS-terminated connection (spec.md §6 --tls-alternate-server)
	RelayIP            net.IP     // local IP relay sockets bind to, if different from Conn's listening IP (spec.md §6 -E/--relay-ip)
	NoUDP           bool          // don't dispatch STUN/TURN over the plain UDP socket; Conn is still used for addressing (spec.md §6 --no-udp)
	NoTCP           bool          // don't start the RFC 6062 TCP listener (spec.md §6 --no-tcp)
	NoTLS           bool          // don't start the TLS listener even if TLSConfig/TLSPort are set (spec.md §6 --no-tls)
	NoDTLS          bool          // don't start the DTLS listener even if DTLSConfig/DTLSPort are set (spec.md §6 --no-dtls)
	TLSPort         int           // port for the TLS listener; 0 disables it (spec.md §6 default 5349)
	DTLSPort        int           // port for the DTLS listener; 0 disables it (spec.md §6 default 5349)
	TLSConfig       *tls.Config   // required to start the TLS listener
	DTLSConfig      *dtls.Config  // required to start the DTLS listener
}

// Auth represents message authenticator.
type Auth interface {
	Auth(m *stunmsg.Message) (stunmsg.MessageIntegrity, error)
}

// NonceManager represents a nonce manager (rotate and verify).
type NonceManager interface {
	Check(tuple relaymsg.FiveTuple, value stunmsg.Nonce, at time.Time) (stunmsg.Nonce, error)
}

// MetricsRegistry represents a prometheus metrics registry.
type MetricsRegistry interface {
	Register(c prometheus.Collector) error
}

// New initializes and returns a new Server from options.
func New(o Options) (*Server, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Workers == 0 {
		o.Workers = 100
	}
	if o.CollectRate == 0 {
		o.CollectRate = time.Second
	}
	if len(o.Labels) == 0 {
		o.Labels = prometheus.Labels{}
	}
	o.Labels["addr"] = o.Conn.LocalAddr().String()
	var portAlloc allocator.NetPortAllocator = allocator.SystemPortAllocator{}
	if o.MinPort > 0 && o.MaxPort > 0 {
		udpAddr, ok := o.Conn.LocalAddr().(*net.UDPAddr)
		if !ok {
			return nil, errors.New("unexpected local addr")
		}
		pooled, poolErr := allocator.NewSystemPortPooledAllocator(
			o.Log.Named("portpool"), "udp4", udpAddr.IP, o.MinPort, o.MaxPort,
		)
		if poolErr != nil {
			return nil, poolErr
		}
		portAlloc = pooled
	}
	relayAddr := o.Conn.LocalAddr()
	if o.RelayIP != nil {
		if udpAddr, ok := relayAddr.(*net.UDPAddr); ok {
			relayAddr = &net.UDPAddr{IP: o.RelayIP, Port: udpAddr.Port}
		}
	}
	netAlloc, err := allocator.NewNetAllocator(o.Log.Named("port"), relayAddr, portAlloc)
	if err != nil {
		return nil, err
	}
	allocs := allocator.NewAllocator(allocator.Options{
		Log:    o.Log.Named("allocator"),
		Conn:   netAlloc,
		Labels: o.Labels,
	})
	if o.NonceManager == nil {
		o.NonceManager = auth.NewNonceAuth(o.NonceDuration)
	}
	s := &Server{
		auth:        o.Auth,
		nonce:       o.NonceManager,
		conn:        o.Conn,
		allocs:      allocs,
		bandwidth:   newBandwidthTracker(o.MaxBandwidth),
		close:       make(chan struct{}),
		reusePort:   reuseport.Available() && o.ReusePort,
		promMetrics: newPromMetrics(o.Labels),
	}
	s.cfg.Store(s.newConfig(o))
	s.setHandlers()
	if a, ok := o.Conn.LocalAddr().(*net.UDPAddr); ok {
		s.addr.IP = a.IP
		s.addr.Port = a.Port
	} else {
		return nil, errors.New("unexpected local addr")
	}
	s.log = o.Log.With(zap.Stringer("server", s.addr))
	if !o.ManualStart {
		s.Start(o.CollectRate)
	}
	if o.Registry != nil {
		if err := o.Registry.Register(s.allocs); err != nil {
			return nil, errors.Wrap(err, "failed to register")
		}
		if err := o.Registry.Register(s.promMetrics); err != nil {
			return nil, errors.Wrap(err, "failed to register server metrics")
		}
	}
	s.pool = &workerPool{
		Logger:          s.log.Named("pool"),
		WorkerFunc:      s.serveConn,
		MaxWorkersCount: o.Workers,
	}
	return s, nil
}

// Start starts background activity (the expiry sweep).
func (s *Server) Start(rate time.Duration) { s.startCollect(rate) }

func (s *Server) startCollect(rate time.Duration) {
	s.wg.Add(1)
	s.log.Debug("started startCollect with rate", zap.Duration("rate", rate))
	t := time.NewTicker(rate)
	go func() {
		s.log.Debug("startCollect goroutine starting")
		defer func() {
			s.log.Debug("startCollect goroutine returned")
		}()
		defer s.wg.Done()
		for {
			select {
			case now := <-t.C:
				if s.config().debugCollect {
					s.log.Debug("collecting")
				}
				s.collect(now)
			case <-s.close:
				t.Stop()
				return
			}
		}
	}()
}

// collect is the timer/expiry sweep of spec.md §4.7: it prunes expired
// allocations, permissions, channel bindings and RFC 6062 TCP
// connections, and rolls the bandwidth accounting window over.
func (s *Server) collect(t time.Time) {
	s.allocs.Prune(t)
	s.bandwidth.reset()
}

// Close stops background activity and releases the listening sockets.
func (s *Server) Close() error {
	close(s.close)
	s.log.Debug("closing")
	s.pool.Stop()
	if err := s.conn.Close(); err != nil {
		s.log.Warn("failed to close connection", zap.Error(err))
	}
	for _, conn := range s.conns {
		if err := conn.Close(); err != nil {
			s.log.Warn("failed to close connection", zap.Error(err))
		}
	}
	s.wg.Wait()
	return nil
}

var errNotSTUNMessage = errors.New("not stun message")

func (s *Server) process(ctx *context) error {
	// Performing de-multiplexing of STUN and TURN's ChannelData messages.
	// The checks are ordered from faster to slower one, per RFC 5766
	// Section 11's "first two bits" disambiguation rule.
	switch {
	case stunmsg.IsMessage(ctx.request.Raw):
		ctx.cfg.metrics.incSTUNMessages()
		return s.processMessage(ctx)
	case relaymsg.IsChannelData(ctx.request.Raw):
		return s.processChannelData(ctx)
	default:
		if ce := s.log.Check(zapcore.DebugLevel, "not looks like stun message"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client))
		}
		return errNotSTUNMessage
	}
}

func (s *Server) serveConn(ctx *context) error {
	ctx.time = time.Now()
	ctx.request.Raw = ctx.buf
	ctx.cdata.Raw = ctx.buf
	switch a := ctx.addr.(type) {
	case *net.UDPAddr:
		ctx.client = relaymsg.FromUDPAddr(a)
		ctx.proto = relaymsg.ProtocolUDP
	default:
		s.log.Error("unknown addr", zap.Stringer("addr", ctx.addr))
		return errors.Errorf("unknown addr %s", ctx.addr)
	}
	if !ctx.allowClient(ctx.client) {
		if ce := s.log.Check(zapcore.DebugLevel, "client denied"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client))
		}
		return nil
	}
	ctx.setTuple()
	if processErr := s.process(ctx); processErr != nil {
		if processErr != errNotSTUNMessage {
			s.log.Error("process failed", zap.Error(processErr))
		}
		return nil
	}
	if len(ctx.response.Raw) == 0 {
		// Indication.
		return nil
	}
	if setErr := ctx.conn.SetWriteDeadline(ctx.time.Add(time.Second)); setErr != nil {
		s.log.Warn("failed to set deadline", zap.Error(setErr))
	}
	_, writeErr := ctx.conn.WriteTo(ctx.response.Raw, ctx.addr)
	if writeErr != nil && !isErrConnClosed(writeErr) {
		s.log.Warn("writeTo failed", zap.Error(writeErr))
		return writeErr
	}
	return nil
}

func isErrConnClosed(err error) bool {
	return strings.HasSuffix(err.Error(), "use of closed network connection")
}

func (s *Server) worker(conn net.PacketConn) {
	defer s.wg.Done()
	s.log.Debug("worker started")
	defer s.log.Debug("worker done")
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.close:
			return
		default:
			// pass
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !isErrConnClosed(err) {
				s.log.Warn("readFrom failed", zap.Error(err))
			}
			break
		}

		// Preparing context.
		ctx := acquireContext()
		ctx.conn = conn
		ctx.buf = ctx.buf[:cap(ctx.buf)]
		copy(ctx.buf, buf)
		ctx.addr = addr
		ctx.buf = ctx.buf[:n]
		ctx.server = s.addr
		ctx.cfg = s.config()

		for i := 0; i < 7; i++ {
			if s.pool.Serve(ctx) {
				break
			}
			s.log.Warn("not enough workers")
			time.Sleep(time.Millisecond * 300)
		}
	}
}

func (s *Server) start() {
	s.pool.Start()
}

// Serve reads packets from the bound connection (and, if ReusePort is
// enabled, from one additional SO_REUSEPORT socket per GOMAXPROCS
// worker goroutine) and responds to STUN/TURN requests.
//
// Each goroutine spawned here is the "worker" of spec.md §4.6: worker
// selection for a 5-tuple is whichever goroutine's ReadFrom happened to
// receive the datagram, which — since every reuseport socket shares the
// kernel's own inbound load-balancing by source port — approximates the
// spec's source-port hash without this package needing to reimplement
// the kernel's SO_REUSEPORT distribution.
func (s *Server) Serve() error {
	s.start()
	for i := 0; i < runtime.GOMAXPROCS(-1); i++ {
		s.wg.Add(1)
		if s.reusePort {
			s.log.Debug("reusing port for worker", zap.Int("w", i))
			laddr := s.conn.LocalAddr()
			conn, err := reuseport.ListenPacket(laddr.Network(), laddr.String())
			if err != nil {
				s.log.Warn("failed to listen for additional socket")
				conn = s.conn
			} else {
				s.conns = append(s.conns, conn)
			}
			go s.worker(conn)
		} else {
			go s.worker(s.conn)
		}
	}
	s.wg.Wait()
	return nil
}

// Wait blocks until the Server is closed without reading its bound UDP
// socket, for a --no-udp deployment (spec.md §6) that serves
// exclusively over the TCP/TLS/DTLS listeners registered against it
// before Serve/Wait is called; the UDP socket stays open only to
// derive the server's address and relay-allocation default IP.
func (s *Server) Wait() error {
	s.wg.Wait()
	return nil
}
