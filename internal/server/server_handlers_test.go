package server

import (
	"net"
	"testing"
	"time"

	"github.com/turngate/turngate/internal/relaymsg"
	"github.com/turngate/turngate/internal/stunmsg"
)

func TestServer_processAllocationRequest(t *testing.T) {
	s, stop := newServer(t)
	defer stop()
	var (
		username = stunmsg.Username("username")
		addr     = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 34567}
		peer     = relaymsg.PeerAddress{Port: 1234, IP: net.IPv4(88, 11, 22, 33)}
	)
	build := func(t stunmsg.MessageType, attrs ...stunmsg.Setter) *stunmsg.Message {
		m := new(stunmsg.Message)
		if err := m.Build(t, attrs...); err != nil {
			panic(err)
		}
		return m
	}

	m := build(allocateRequest, username, peer, stunmsg.Fingerprint{})
	ctx := acquireContext()
	defer putContext(ctx)
	ctx.cfg = s.config()
	ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
	ctx.client = relaymsg.Addr{IP: addr.IP, Port: addr.Port}
	ctx.proto = relaymsg.ProtocolUDP
	ctx.setTuple()
	if err := s.process(ctx); err != nil {
		t.Fatal(err)
	}
	if ctx.response.TransactionID != m.TransactionID {
		t.Error("unexpected response transaction ID")
	}
	var (
		realm stunmsg.Realm
		nonce stunmsg.Nonce
	)
	if err := ctx.response.Parse(&realm, &nonce); err != nil {
		t.Fatal(err)
	}
	if len(realm) == 0 {
		t.Fatal("no realm")
	}
	t.Run("Success", func(t *testing.T) {
		i := stunmsg.MessageIntegrity(stunmsg.NewLongTermIntegrityKey("username", realm.String(), "secret"))
		m = build(allocateRequest,
			relaymsg.RequestedTransport{Protocol: relaymsg.ProtocolUDP},
			username, realm, nonce, peer, i, stunmsg.Fingerprint{},
		)
		ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
		if err := s.process(ctx); err != nil {
			t.Fatal(err)
		}
		if ctx.response.Type.Class != stunmsg.ClassSuccessResponse {
			var errCode stunmsg.ErrorCodeAttribute
			errCode.GetFrom(ctx.response)
			t.Errorf("unexpected error %v: %s", errCode, ctx.response)
		}
		t.Run("Refresh", func(t *testing.T) {
			m = build(refreshRequest,
				relaymsg.Lifetime(10*time.Minute),
				username, realm, nonce, peer, i, stunmsg.Fingerprint{},
			)
			ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
			if err := s.process(ctx); err != nil {
				t.Fatal(err)
			}
			if ctx.response.Type.Class != stunmsg.ClassSuccessResponse {
				var errCode stunmsg.ErrorCodeAttribute
				errCode.GetFrom(ctx.response)
				t.Errorf("unexpected error %v: %s", errCode, ctx.response)
			}
			var lifetime relaymsg.Lifetime
			if getErr := lifetime.GetFrom(ctx.response); getErr != nil {
				t.Error(getErr)
			}
			if time.Duration(lifetime) != 10*time.Minute {
				t.Error("bad lifetime")
			}
		})
		t.Run("Dealloc", func(t *testing.T) {
			m = build(refreshRequest,
				relaymsg.Lifetime(0),
				username, realm, nonce, peer, i, stunmsg.Fingerprint{},
			)
			ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
			if err := s.process(ctx); err != nil {
				t.Fatal(err)
			}
			if ctx.response.Type.Class != stunmsg.ClassSuccessResponse {
				var errCode stunmsg.ErrorCodeAttribute
				errCode.GetFrom(ctx.response)
				t.Errorf("unexpected error %v: %s", errCode, ctx.response)
			}
		})
	})
	t.Run("BadIntegrity", func(t *testing.T) {
		i := stunmsg.MessageIntegrity(stunmsg.NewLongTermIntegrityKey("username", realm.String(), "secret111"))
		m = build(allocateRequest,
			relaymsg.RequestedTransport{Protocol: relaymsg.ProtocolUDP},
			username, realm, nonce, peer, i, stunmsg.Fingerprint{},
		)
		ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
		if err := s.process(ctx); err != nil {
			t.Fatal(err)
		}
		if ctx.response.Type.Class != stunmsg.ClassErrorResponse {
			t.Errorf("unexpected response: %s", ctx.response)
		}
	})
	t.Run("UnexpectedMessageType", func(t *testing.T) {
		i := stunmsg.MessageIntegrity(stunmsg.NewLongTermIntegrityKey("username", realm.String(), "secret"))
		m = build(stunmsg.NewType(25, stunmsg.ClassRequest),
			relaymsg.RequestedTransport{Protocol: relaymsg.ProtocolUDP},
			username, realm, nonce, peer, i, stunmsg.Fingerprint{},
		)
		ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
		if err := s.process(ctx); err != nil {
			t.Fatal(err)
		}
		if ctx.response.Type.Class != stunmsg.ClassErrorResponse {
			t.Errorf("unexpected response: %s", ctx.response)
		}
	})
}
