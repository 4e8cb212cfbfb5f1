package server

import (
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/turngate/turngate/internal/relaymsg"
)

const stunHeaderSize = 20

// ListenTCP accepts STUN/TURN-over-TCP connections on addr and serves
// them until the Server is closed. Each connection carries exactly one
// request: after a successful ConnectionBind it is spliced to the peer
// connection Connect previously established; after any other request
// the response is written and the connection closed. A connection is
// not kept open for further requests.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.serveListener(ln)
	return nil
}

// ListenTLS is ListenTCP over a TLS-terminated listener, for the
// 5349/tls-listening-port STUN/TURN-over-TLS transport of spec.md §6.
func (s *Server) ListenTLS(addr string, cfg *tls.Config) error {
	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return err
	}
	s.serveListener(ln)
	return nil
}

// serveListener runs ln's accept loop on a background goroutine,
// handing each accepted connection to serveTCPConn; used by both the
// plain-TCP and TLS listeners, which only differ in how ln was built.
func (s *Server) serveListener(ln net.Listener) {
	s.conns = append(s.conns, ln)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !isErrConnClosed(err) {
					s.log.Warn("tcp accept failed", zap.Error(err))
				}
				return
			}
			go s.serveTCPConn(conn)
		}
	}()
}

func (s *Server) serveTCPConn(conn net.Conn) {
	log := s.log.Named("tcp").With(zap.Stringer("remote", conn.RemoteAddr()))

	raw, err := readSTUNFrame(conn)
	if err != nil {
		log.Debug("failed to read stun frame", zap.Error(err))
		conn.Close()
		return
	}

	ctx := acquireContext()
	ctx.time = time.Now()
	ctx.request.Raw = append(ctx.request.Raw[:0], raw...)
	ctx.cfg = s.config()
	ctx.server = s.addr
	ctx.proto = relaymsg.ProtocolTCP
	ctx.clientConn = conn
	if addr, ok := parseTCPAddr(conn.RemoteAddr()); ok {
		ctx.client = addr
	}
	ctx.setTuple()

	if !ctx.allowClient(ctx.client) {
		log.Debug("client denied")
		putContext(ctx)
		conn.Close()
		return
	}
	processErr := s.processMessage(ctx)
	response := append([]byte(nil), ctx.response.Raw...)
	handedOff := ctx.handedOff
	peerConn := ctx.boundPeerConn
	putContext(ctx)

	if processErr != nil {
		log.Debug("process failed", zap.Error(processErr))
		conn.Close()
		return
	}
	if len(response) > 0 {
		if _, err := conn.Write(response); err != nil {
			log.Warn("write failed", zap.Error(err))
			conn.Close()
			return
		}
	}
	if handedOff {
		// ConnectionBind succeeded: splice this connection with the peer
		// connection Connect dialed earlier, instead of closing it.
		go relayTCP(log, conn, peerConn)
		return
	}
	// Every other request is answered once and the connection closed.
	conn.Close()
}

func parseTCPAddr(a net.Addr) (relaymsg.Addr, bool) {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok {
		return relaymsg.Addr{}, false
	}
	return relaymsg.Addr{IP: tcpAddr.IP, Port: tcpAddr.Port}, true
}

// readSTUNFrame reads one self-delimiting STUN message from r: a fixed
// 20-byte header (whose bytes 2:4 give the attributes length) followed
// by that many further bytes.
func readSTUNFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, stunHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(buf[2:4])
	if length == 0 {
		return buf, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return append(buf, body...), nil
}

// relayTCP splices client and peer connections together for the
// lifetime of an RFC 6062 TCP relay, closing both once either side's
// copy loop returns (EOF or error).
func relayTCP(log *zap.Logger, client, peer net.Conn) {
	defer client.Close()
	defer peer.Close()
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		if err != nil && !isErrConnClosed(err) {
			log.Debug("tcp relay copy ended", zap.Error(err))
		}
		done <- struct{}{}
	}
	go cp(peer, client)
	go cp(client, peer)
	<-done
}
