package server

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/turngate/turngate/internal/allocator"
	"github.com/turngate/turngate/internal/auth"
	"github.com/turngate/turngate/internal/relaymsg"
	"github.com/turngate/turngate/internal/stunmsg"
)

type handleFunc = func(ctx *context) error

var (
	allocateRequest         = stunmsg.NewType(stunmsg.MethodAllocate, stunmsg.ClassRequest)
	refreshRequest          = stunmsg.NewType(stunmsg.MethodRefresh, stunmsg.ClassRequest)
	createPermissionRequest = stunmsg.NewType(stunmsg.MethodCreatePermission, stunmsg.ClassRequest)
	sendIndication          = stunmsg.NewType(stunmsg.MethodSend, stunmsg.ClassIndication)
	channelBindRequest      = stunmsg.NewType(stunmsg.MethodChannelBind, stunmsg.ClassRequest)
	connectRequest          = stunmsg.NewType(stunmsg.MethodConnect, stunmsg.ClassRequest)
	connectionBindRequest   = stunmsg.NewType(stunmsg.MethodConnectionBind, stunmsg.ClassRequest)
)

func (s *Server) setHandlers() {
	s.handlers = map[stunmsg.MessageType]handleFunc{
		stunmsg.BindingRequest:  s.processBindingRequest,
		allocateRequest:         s.processAllocateRequest,
		createPermissionRequest: s.processCreatePermissionRequest,
		refreshRequest:          s.processRefreshRequest,
		sendIndication:          s.processSendIndication,
		channelBindRequest:      s.processChannelBinding,
		connectRequest:          s.processConnectRequest,
		connectionBindRequest:   s.processConnectionBindRequest,
	}
}

// HandlePeerData implements allocator.PeerHandler.
func (s *Server) HandlePeerData(d []byte, t relaymsg.FiveTuple, a relaymsg.Addr) {
	destination := t.Client.UDPAddr()
	l := s.log.With(
		zap.Stringer("t", t),
		zap.Stringer("addr", a),
		zap.Int("len", len(d)),
		zap.Stringer("d", destination),
	)
	l.Debug("got peer data")
	if !s.bandwidth.allow(t, len(d)) {
		s.promMetrics.incBandwidthDrop()
		l.Debug("dropped peer data, bandwidth cap exceeded")
		return
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.Error("failed to SetWriteDeadline", zap.Error(err))
	}
	if n, err := s.allocs.Bound(t, a); err == nil {
		cd := relaymsg.ChannelData{
			Number: n,
			Data:   d,
		}
		cd.EncodeFramed(t.Proto)
		if _, err := s.conn.WriteTo(cd.Raw, destination); err != nil {
			l.Error("failed to write", zap.Error(err))
		}
		l.Debug("sent data via channel", zap.Stringer("n", n))
		return
	}
	m := new(stunmsg.Message)
	if err := m.Build(stunmsg.NewType(stunmsg.MethodData, stunmsg.ClassIndication),
		relaymsg.Data(d), relaymsg.PeerAddress(a),
		stunmsg.Fingerprint{},
	); err != nil {
		l.Error("failed to build", zap.Error(err))
		return
	}
	if _, err := s.conn.WriteTo(m.Raw, destination); err != nil {
		l.Error("failed to write", zap.Error(err))
	}
	l.Debug("sent data from peer", zap.Stringer("m", m))
}

func (s *Server) processBindingRequest(ctx *context) error {
	alt := ctx.cfg.alternateServer
	if _, isTLS := ctx.clientConn.(*tls.Conn); isTLS && ctx.cfg.tlsAlternateServer != "" {
		alt = ctx.cfg.tlsAlternateServer
	}
	if alt != "" {
		if addr, ok := parseAlternateServer(alt); ok {
			return ctx.build(stunmsg.ClassErrorResponse,
				stunmsg.ErrorCodeAttribute{Code: stunmsg.CodeTryAlternate},
				relaymsg.AlternateServer(addr),
			)
		}
	}
	return ctx.buildOk(&stunmsg.XORMappedAddress{IP: ctx.client.IP, Port: ctx.client.Port})
}

// parseAlternateServer resolves a configured "host:port" alternate
// server into the relaymsg.Addr carried by the ALTERNATE-SERVER
// attribute of a 300 Try Alternate response.
func parseAlternateServer(hostport string) (relaymsg.Addr, bool) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return relaymsg.Addr{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return relaymsg.Addr{}, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return relaymsg.Addr{}, false
	}
	return relaymsg.Addr{IP: ip, Port: port}, true
}

func (s *Server) processAllocateRequest(ctx *context) error {
	var transport relaymsg.RequestedTransport
	if err := transport.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stunmsg.CodeBadRequest)
	}
	switch relaymsg.Protocol(transport.Protocol) {
	case relaymsg.ProtocolUDP:
		if ctx.cfg.noUDPRelay {
			return ctx.buildErr(stunmsg.CodeUnsupportedTransport)
		}
	case relaymsg.ProtocolTCP:
		if ctx.cfg.noTCPRelay {
			return ctx.buildErr(stunmsg.CodeUnsupportedTransport)
		}
	}
	lifetime := ctx.cfg.defaultLifetime
	var l relaymsg.Lifetime
	switch err := l.GetFrom(ctx.request); err {
	case nil:
		lifetime = time.Duration(l)
		if lifetime > ctx.cfg.maxLifetime {
			lifetime = ctx.cfg.maxLifetime
		}
	case stunmsg.ErrAttributeNotFound:
		// pass, use default
	default:
		return ctx.buildErr(stunmsg.CodeBadRequest)
	}
	tuple := ctx.tuple
	tuple.Proto = relaymsg.Protocol(transport.Protocol)
	relayedAddr, err := s.allocs.New(tuple, ctx.time.Add(lifetime), s)
	switch err {
	case nil:
		ctx.tuple = tuple
		if ctx.cfg.externalIP != nil {
			relayedAddr.IP = ctx.cfg.externalIP
		}
		return ctx.buildOk(
			&stunmsg.XORMappedAddress{IP: ctx.tuple.Client.IP, Port: ctx.tuple.Client.Port},
			relaymsg.RelayedAddress(relayedAddr),
			relaymsg.Lifetime(lifetime),
		)
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stunmsg.CodeAllocationMismatch)
	case allocator.ErrUnsupportedTransport:
		return ctx.buildErr(stunmsg.CodeUnsupportedTransport)
	default:
		s.log.Warn("failed to allocate", zap.Error(err))
		return ctx.buildErr(stunmsg.CodeServerError)
	}
}

func (s *Server) processRefreshRequest(ctx *context) error {
	var (
		lifetime relaymsg.Lifetime
		allocErr error
	)
	if err := ctx.request.Parse(&lifetime); err != nil && err != stunmsg.ErrAttributeNotFound {
		return errors.Wrap(err, "failed to parse")
	}
	switch time.Duration(lifetime) {
	case 0:
		allocErr = s.allocs.Remove(ctx.tuple)
		s.bandwidth.forget(ctx.tuple)
	default:
		timeout := ctx.time.Add(time.Duration(lifetime))
		allocErr = s.allocs.Refresh(ctx.tuple, timeout)
	}
	switch allocErr {
	case nil:
		return ctx.buildOk(lifetime)
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stunmsg.CodeAllocationMismatch)
	default:
		s.log.Error("failed to process refresh request", zap.Error(allocErr))
		return ctx.buildErr(stunmsg.CodeServerError)
	}
}

func (s *Server) processCreatePermissionRequest(ctx *context) error {
	var (
		addr     relaymsg.PeerAddress
		lifetime relaymsg.Lifetime
	)
	if err := addr.GetFrom(ctx.request); err != nil {
		return errors.Wrap(err, "failed to get create permission request addr")
	}
	switch err := lifetime.GetFrom(ctx.request); err {
	case nil:
		if time.Duration(lifetime) > ctx.cfg.maxLifetime {
			lifetime = relaymsg.Lifetime(ctx.cfg.maxLifetime)
		}
	case stunmsg.ErrAttributeNotFound:
		lifetime = relaymsg.Lifetime(ctx.cfg.defaultLifetime)
	default:
		return errors.Wrap(err, "failed to get lifetime")
	}
	s.log.Debug("processing create permission request")
	var (
		peerAddr = relaymsg.Addr(addr)
		timeout  = ctx.time.Add(time.Duration(lifetime))
	)
	if !ctx.allowPeer(peerAddr) {
		// Sending 403 (Forbidden) as described in RFC 5766 Section 9.1.
		return ctx.buildErr(stunmsg.CodeForbidden)
	}
	switch err := s.allocs.CreatePermission(ctx.tuple, peerAddr, timeout); err {
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stunmsg.CodeAllocationMismatch)
	case nil:
		return ctx.buildOk(lifetime)
	default:
		return errors.Wrap(err, "failed to create allocation")
	}
}

func (s *Server) processSendIndication(ctx *context) error {
	var (
		data relaymsg.Data
		addr relaymsg.PeerAddress
	)
	if err := ctx.request.Parse(&data, &addr); err != nil {
		s.log.Error("failed to parse send indication", zap.Error(err))
		return errors.Wrap(err, "failed to parse send indication")
	}
	s.log.Debug("sending data", zap.Stringer("to", addr))
	if !s.bandwidth.allow(ctx.tuple, len(data)) {
		s.promMetrics.incBandwidthDrop()
		s.log.Debug("dropped send indication, bandwidth cap exceeded")
		return nil
	}
	if err := s.sendByPermission(ctx, relaymsg.Addr(addr), data); err != nil {
		s.log.Warn("send failed", zap.Error(err))
	}
	return nil
}

func (s *Server) processChannelBinding(ctx *context) error {
	var (
		addr   relaymsg.PeerAddress
		number relaymsg.ChannelNumber
	)
	if parseErr := ctx.request.Parse(&addr, &number); parseErr != nil {
		s.log.Debug("channel binding parse failed", zap.Error(parseErr))
		return ctx.buildErr(stunmsg.CodeBadRequest)
	}
	var (
		peerAddr = relaymsg.Addr(addr)
		lifetime = ctx.cfg.defaultLifetime
		timeout  = ctx.time.Add(lifetime)
	)
	if !ctx.allowPeer(peerAddr) {
		// Sending 403 (Forbidden) as described in RFC 5766 Section 9.1.
		return ctx.buildErr(stunmsg.CodeForbidden)
	}
	switch err := s.allocs.ChannelBind(ctx.tuple, number, peerAddr, timeout); err {
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stunmsg.CodeAllocationMismatch)
	case nil:
		return ctx.buildOk(number)
	default:
		return errors.Wrap(err, "failed to create allocation")
	}
}

func (s *Server) processChannelData(ctx *context) error {
	if err := ctx.cdata.Decode(ctx.proto); err != nil {
		if ce := s.log.Check(zapcore.DebugLevel, "failed to decode channel data"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client), zap.Error(err))
		}
		return nil
	}
	if ce := s.log.Check(zapcore.DebugLevel, "got channel data"); ce != nil {
		ce.Write(zap.Stringer("channel", ctx.cdata.Number), zap.Int("len", len(ctx.cdata.Data)))
	}
	if !s.bandwidth.allow(ctx.tuple, len(ctx.cdata.Data)) {
		s.promMetrics.incBandwidthDrop()
		return nil
	}
	return s.sendByBinding(ctx, ctx.cdata.Number, ctx.cdata.Data)
}

// processConnectRequest implements the RFC 6062 Connect request: it
// dials the peer through Allocator.Connect (the OS picks the source
// address, which is not the relayed address) and, on success, returns
// CONNECTION-ID.
func (s *Server) processConnectRequest(ctx *context) error {
	if ctx.cfg.noTCPRelay {
		return ctx.buildErr(stunmsg.CodeUnsupportedTransport)
	}
	var addr relaymsg.PeerAddress
	if err := addr.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stunmsg.CodeBadRequest)
	}
	peerAddr := relaymsg.Addr(addr)
	if !ctx.allowPeer(peerAddr) {
		return ctx.buildErr(stunmsg.CodeForbidden)
	}
	workerID := byte(ctx.client.Port)
	id, err := s.allocs.Connect(ctx.tuple, peerAddr, workerID, allocator.TCPBindTimeout)
	switch err {
	case nil:
		if setErr := s.allocs.SetTransactionID(ctx.tuple, id, ctx.request.TransactionID); setErr != nil {
			s.log.Warn("failed to record transaction id", zap.Error(setErr))
		}
		return ctx.buildOk(id)
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stunmsg.CodeAllocationMismatch)
	case allocator.ErrUnsupportedTransport:
		return ctx.buildErr(stunmsg.CodeUnsupportedTransport)
	case allocator.ErrNoPermission:
		return ctx.buildErr(stunmsg.CodeForbidden)
	default:
		s.log.Warn("failed to connect to peer", zap.Error(err))
		return ctx.buildErr(stunmsg.CodeConnectionTimeoutOrFailure)
	}
}

// processConnectionBindRequest implements the RFC 6062 ConnectionBind
// request. It is only ever routed here by serveTCPConn (relay.go),
// which owns a live TCP connection to pair with the peer connection
// Connect previously dialed; on success it marks the context handed
// off so serveTCPConn splices the two instead of closing the client
// connection.
func (s *Server) processConnectionBindRequest(ctx *context) error {
	var id relaymsg.ConnectionID
	if err := id.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stunmsg.CodeBadRequest)
	}
	if ctx.clientConn == nil {
		s.log.Warn("connection bind request received on non-TCP path")
		return ctx.buildErr(stunmsg.CodeBadRequest)
	}
	peerConn, err := s.allocs.ConnectionBind(ctx.tuple, id, ctx.clientConn)
	switch err {
	case nil:
		if buildErr := ctx.buildOk(); buildErr != nil {
			return buildErr
		}
		ctx.handedOff = true
		ctx.boundPeerConn = peerConn
		return nil
	case allocator.ErrConnectionNotFound:
		return ctx.buildErr(stunmsg.CodeBadRequest)
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stunmsg.CodeAllocationMismatch)
	case allocator.ErrAlreadyBound:
		return ctx.buildErr(stunmsg.CodeConnectionAlreadyExists)
	default:
		return errors.Wrap(err, "failed to bind connection")
	}
}

func (s *Server) needAuth(ctx *context) bool {
	if s.auth == nil {
		return false
	}
	if ctx.request.Type.Class == stunmsg.ClassIndication {
		return false
	}
	if ctx.request.Type == stunmsg.BindingRequest && !ctx.cfg.authForSTUN {
		return false
	}
	return true
}

func (s *Server) processMessage(ctx *context) error {
	if err := ctx.request.Decode(); err != nil {
		if ce := s.log.Check(zapcore.DebugLevel, "failed to decode request"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client), zap.Error(err))
		}
		return nil
	}
	ctx.realm = ctx.cfg.realm
	if ce := s.log.Check(zapcore.DebugLevel, "got message"); ce != nil {
		ce.Write(zap.Stringer("m", ctx.request), zap.Stringer("addr", ctx.client))
	}
	if ctx.request.Contains(stunmsg.AttrFingerprint) {
		// Check fingerprint if provided.
		if err := (stunmsg.Fingerprint{}).Check(ctx.request); err != nil {
			s.log.Debug("fingerprint check failed", zap.Error(err))
			return ctx.buildErr(stunmsg.CodeBadRequest)
		}
	}
	if s.needAuth(ctx) {
		// Getting nonce.
		nonceGetErr := ctx.nonce.GetFrom(ctx.request)
		if nonceGetErr != nil && nonceGetErr != stunmsg.ErrAttributeNotFound {
			return ctx.buildErr(stunmsg.CodeBadRequest)
		}
		validNonce, nonceErr := s.nonce.Check(ctx.tuple, ctx.nonce, ctx.time)
		if nonceErr != nil && nonceErr != auth.ErrStaleNonce {
			s.log.Error("nonce error", zap.Error(nonceErr))
			return ctx.buildErr(stunmsg.CodeServerError)
		}
		ctx.nonce = validNonce
		// Check if client is trying to get nonce and realm.
		_, integrityAttrErr := ctx.request.Get(stunmsg.AttrMessageIntegrity)
		if integrityAttrErr == stunmsg.ErrAttributeNotFound {
			if ce := s.log.Check(zapcore.DebugLevel, "integrity required"); ce != nil {
				ce.Write(zap.Stringer("addr", ctx.client), zap.Stringer("req", ctx.request))
			}
			return ctx.buildErr(stunmsg.CodeUnauthorized)
		}
		if nonceErr == auth.ErrStaleNonce {
			return ctx.buildErr(stunmsg.CodeStaleNonce)
		}
		switch integrity, err := s.auth.Auth(ctx.request); err {
		case nil:
			ctx.integrity = integrity
		default:
			if ce := s.log.Check(zapcore.DebugLevel, "failed to auth"); ce != nil {
				ce.Write(zap.Stringer("addr", ctx.client), zap.Stringer("req", ctx.request), zap.Error(err))
			}
			return ctx.buildErr(stunmsg.CodeUnauthorized)
		}
	}
	// Selecting handler based on request message type.
	h, ok := s.handlers[ctx.request.Type]
	if ok {
		return h(ctx)
	}
	s.log.Warn("unsupported request type", zap.Stringer("t", ctx.request.Type))
	return ctx.buildErr(stunmsg.CodeBadRequest)
}
