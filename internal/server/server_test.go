package server

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/turngate/turngate/internal/auth"
	"github.com/turngate/turngate/internal/relaymsg"
	"github.com/turngate/turngate/internal/stunmsg"
	"github.com/turngate/turngate/internal/testutil"
)

func isErr(m *stunmsg.Message) bool {
	return m.Type.Class == stunmsg.ClassErrorResponse
}

func do(logger *zap.Logger, req, res *stunmsg.Message, c *net.UDPConn, t stunmsg.MessageType, attrs ...stunmsg.Setter) error {
	start := time.Now()
	req.Reset()
	if err := req.Build(t, attrs...); err != nil {
		logger.Error("failed to build", zap.Error(err))
		return err
	}
	if _, err := c.Write(req.Raw); err != nil {
		logger.Error("failed to write", zap.Error(err), zap.Stringer("m", req))
		return err
	}
	logger.Info("sent message", zap.Stringer("m", req), zap.Stringer("t", req.Type))
	buf := make([]byte, 1024)
	if err := c.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return err
	}
	n, err := c.Read(buf)
	if err != nil {
		logger.Error("failed to read", zap.Error(err), zap.Stringer("m", req))
		return err
	}
	res.Reset()
	res.Raw = append(res.Raw[:0], buf[:n]...)
	if err := res.Decode(); err != nil {
		return err
	}
	if req.Type.Class != stunmsg.ClassIndication && req.TransactionID != res.TransactionID {
		return fmt.Errorf("transaction ID mismatch: %x (got) != %x (expected)",
			req.TransactionID, res.TransactionID,
		)
	}
	logger.Info("got message",
		zap.Stringer("m", res),
		zap.Stringer("t", res.Type),
		zap.Duration("rtt", time.Since(start)),
	)
	return nil
}

func listenUDP(t testing.TB, addrs ...string) (*net.UDPConn, *net.UDPAddr) {
	addr := "127.0.0.1:0"
	if len(addrs) > 0 {
		addr = addrs[0]
	}
	rAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.ListenUDP("udp", rAddr)
	if err != nil {
		t.Fatal(err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", conn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	return conn, udpAddr
}

// newServer starts a Server listening on its own UDP socket for tests
// that need a running instance, and returns it along with a cleanup
// function that closes it. At most one Options value may be passed to
// override the defaults; Log, Conn, Auth and Realm are always filled
// in if left zero.
func newServer(t testing.TB, opts ...Options) (*Server, func()) {
	t.Helper()
	o := Options{}
	if len(opts) > 0 {
		o = opts[0]
	}
	serverConn, _ := listenUDP(t)
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Conn == nil {
		o.Conn = serverConn
	}
	if o.Auth == nil {
		o.Auth = auth.NewStatic([]auth.StaticCredential{
			{Username: "username", Password: "secret", Realm: "realm"},
		})
	}
	if o.Realm == "" {
		o.Realm = "realm"
	}
	o.ManualStart = true
	s, err := New(o)
	if err != nil {
		serverConn.Close()
		t.Fatal(err)
	}
	return s, func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	}
}

func TestServerIntegration(t *testing.T) {
	echoConn, echoUDPAddr := listenUDP(t)
	serverConn, serverUDPAddr := listenUDP(t)
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Options{
		Log:   logger.Named("server"),
		Conn:  serverConn,
		Realm: "realm",
		Auth: auth.NewStatic([]auth.StaticCredential{
			{Username: "username", Password: "secret", Realm: "realm"},
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	}()
	go func() {
		logger.Info("listening as echo server", zap.Stringer("laddr", echoUDPAddr))
		for {
			buf := make([]byte, 1024)
			n, addr, err := echoConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			logger.Info("got message", zap.String("body", string(buf[:n])), zap.Stringer("raddr", addr))
			if _, err := echoConn.WriteToUDP(buf[:n], addr); err != nil {
				logger.Error("failed to write back", zap.Error(err))
			}
		}
	}()
	go func() {
		if err := s.Serve(); err != nil && !isErrConnClosed(err) {
			t.Error(err)
		}
	}()
	c, err := net.DialUDP("udp", nil, serverUDPAddr)
	if err != nil {
		t.Fatalf("failed to dial to server: %v", err)
	}
	defer c.Close()
	var (
		req      = new(stunmsg.Message)
		res      = new(stunmsg.Message)
		username = stunmsg.Username("username")
		password = "secret"
		code     stunmsg.ErrorCodeAttribute
	)

	// Allocate without integrity, expecting 401.
	if err := do(logger, req, res, c, allocateRequest,
		username, relaymsg.RequestedTransport{Protocol: relaymsg.ProtocolUDP},
	); err != nil {
		t.Fatalf("failed to do request: %v", err)
	}
	if !isErr(res) {
		t.Fatal("got no-error response")
	}
	var (
		nonce stunmsg.Nonce
		realm stunmsg.Realm
	)
	if err := res.Parse(&nonce, &realm); err != nil {
		t.Fatalf("failed to get nonce and realm: %v", err)
	}
	integrity := stunmsg.MessageIntegrity(stunmsg.NewLongTermIntegrityKey(username.String(), realm.String(), password))

	req.TransactionID = stunmsg.TransactionID{}
	if err := do(logger, req, res, c, allocateRequest,
		username, nonce, realm,
		relaymsg.RequestedTransport{Protocol: relaymsg.ProtocolUDP},
		integrity,
		stunmsg.Fingerprint{},
	); err != nil {
		t.Fatalf("failed to do request: %v", err)
	}
	if isErr(res) {
		code.GetFrom(res)
		t.Fatalf("got error response: %v", code)
	}

	var (
		reladdr relaymsg.RelayedAddress
		maddr   stunmsg.XORMappedAddress
	)
	if err := reladdr.GetFrom(res); err != nil {
		t.Fatalf("failed to get relayed address: %v", err)
	}
	logger.Info("relayed address", zap.Stringer("addr", reladdr))
	if err := maddr.GetFrom(res); err != nil && err != stunmsg.ErrAttributeNotFound {
		t.Fatalf("failed to decode mapped address: %v", err)
	}

	peerAddr := relaymsg.PeerAddress{IP: echoUDPAddr.IP, Port: echoUDPAddr.Port}
	req.TransactionID = stunmsg.TransactionID{}
	if err := do(logger, req, res, c, createPermissionRequest,
		username, nonce, realm,
		peerAddr,
		integrity,
		stunmsg.Fingerprint{},
	); err != nil {
		t.Fatalf("failed to do request: %v", err)
	}
	if isErr(res) {
		code.GetFrom(res)
		t.Fatalf("failed to create permission: %v", code)
	}

	sentData := relaymsg.Data("Hello world!")
	req.TransactionID = stunmsg.TransactionID{}
	if err := do(logger, req, res, c, sendIndication,
		username, nonce, realm,
		sentData,
		peerAddr,
		integrity,
		stunmsg.Fingerprint{},
	); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	// SEND is an indication: the reply carries the peer's echoed DATA
	// indication, not a response to this request.
	var data relaymsg.Data
	if err := data.GetFrom(res); err != nil {
		t.Fatalf("failed to get DATA attribute: %v", err)
	}
	if !bytes.Equal(data, sentData) {
		t.Fatalf("data mismatch: %q != %q", data, sentData)
	}

	req.TransactionID = stunmsg.TransactionID{}
	if err := do(logger, req, res, c, refreshRequest,
		username, nonce, realm,
		relaymsg.Lifetime(0),
		integrity,
		stunmsg.Fingerprint{},
	); err != nil {
		t.Fatalf("failed to refresh: %v", err)
	}
	if isErr(res) {
		code.GetFrom(res)
		t.Fatalf("got error response: %v", code)
	}
}

func TestServer_processBindingRequest(t *testing.T) {
	s, cleanup := newServer(t)
	defer cleanup()
	addr := relaymsg.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 34567}
	m := new(stunmsg.Message)
	if err := m.Build(stunmsg.BindingRequest, stunmsg.Fingerprint{}); err != nil {
		t.Fatal(err)
	}
	ctx := acquireContext()
	defer putContext(ctx)
	ctx.cfg = s.config()
	ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
	ctx.client = addr
	ctx.server = s.addr
	ctx.setTuple()
	if err := s.process(ctx); err != nil {
		t.Fatal(err)
	}
	t.Run("ZeroAlloc", func(t *testing.T) {
		testutil.ShouldNotAllocate(t, func() {
			ctx.request.Raw = ctx.request.Raw[:len(m.Raw)]
			copy(ctx.request.Raw, m.Raw)
			s.process(ctx)
		})
	})
}

func BenchmarkServer_processBindingRequest(b *testing.B) {
	b.ReportAllocs()
	s, cleanup := newServer(b)
	defer cleanup()
	addr := relaymsg.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 34567}
	m := new(stunmsg.Message)
	if err := m.Build(stunmsg.BindingRequest, stunmsg.Fingerprint{}); err != nil {
		b.Fatal(err)
	}
	ctx := acquireContext()
	defer putContext(ctx)
	ctx.cfg = s.config()
	ctx.client = addr
	ctx.server = s.addr
	ctx.setTuple()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx.request.Raw = ctx.request.Raw[:0]
		ctx.request.Raw = append(ctx.request.Raw, m.Raw...)
		if err := s.process(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func TestServer_notStun(t *testing.T) {
	s, cleanup := newServer(t)
	defer cleanup()
	addr := relaymsg.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 34567}
	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i % 127)
	}
	ctx := acquireContext()
	defer putContext(ctx)
	ctx.cfg = s.config()
	ctx.request.Raw = append(ctx.request.Raw[:0], buf...)
	ctx.client = addr
	ctx.server = s.addr
	ctx.setTuple()
	if err := s.process(ctx); err != errNotSTUNMessage {
		t.Fatal(err)
	}
	t.Run("ZeroAlloc", func(t *testing.T) {
		testutil.ShouldNotAllocate(t, func() {
			ctx.request.Raw = ctx.request.Raw[:len(buf)]
			copy(ctx.request.Raw, buf)
			s.process(ctx)
		})
	})
}
