package server

import (
	"net"

	"github.com/pion/dtls/v3"
	"go.uber.org/zap"
)

// connPacketConn adapts a single established net.Conn (a DTLS
// association) to the net.PacketConn shape the UDP worker loop
// expects, since pion/dtls preserves one datagram per Read the same
// way a UDP net.PacketConn's ReadFrom does. remote is fixed for the
// life of the adapter: a DTLS association only ever talks to the peer
// it handshaked with.
type connPacketConn struct {
	net.Conn
	remote net.Addr
}

func (c *connPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := c.Conn.Read(p)
	return n, c.remote, err
}

func (c *connPacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	return c.Conn.Write(p)
}

// ListenDTLS accepts RFC 6347 DTLS-secured STUN/TURN traffic on addr
// (spec.md §6's 5349 default TLS/DTLS port) and serves each accepted
// association on its own worker goroutine, reusing the same
// dispatch/handler path as a plain UDP socket.
func (s *Server) ListenDTLS(addr string, cfg *dtls.Config) error {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	ln, err := dtls.Listen("udp", laddr, cfg)
	if err != nil {
		return err
	}
	s.conns = append(s.conns, ln)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, acceptErr := ln.Accept()
			if acceptErr != nil {
				if !isErrConnClosed(acceptErr) {
					s.log.Warn("dtls accept failed", zap.Error(acceptErr))
				}
				return
			}
			pc := &connPacketConn{Conn: conn, remote: conn.RemoteAddr()}
			s.conns = append(s.conns, pc)
			s.wg.Add(1)
			go s.worker(pc)
		}
	}()
	return nil
}
