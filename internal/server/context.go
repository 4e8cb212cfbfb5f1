package server

import (
	"net"
	"sync"
	"time"

	"github.com/turngate/turngate/internal/filter"
	"github.com/turngate/turngate/internal/relaymsg"
	"github.com/turngate/turngate/internal/stunmsg"
)

var contextPool = &sync.Pool{
	New: func() interface{} {
		return &context{
			cdata:    new(relaymsg.ChannelData),
			response: new(stunmsg.Message),
			request:  new(stunmsg.Message),
			buf:      make([]byte, 2048),
		}
	},
}

func acquireContext() *context {
	return contextPool.Get().(*context)
}

func putContext(ctx *context) {
	ctx.reset()
	contextPool.Put(ctx)
}

// context is a per-packet scratch buffer, pooled to avoid an allocation
// on every datagram. It carries the request/response messages and the
// resolved 5-tuple for the duration of a single handler invocation; it
// does not survive across packets (the persistent per-client state is
// held by the Allocator, see internal/allocator).
type context struct {
	addr      net.Addr
	conn      net.PacketConn
	cfg       config
	time      time.Time
	client    relaymsg.Addr
	server    relaymsg.Addr
	proto     relaymsg.Protocol
	tuple     relaymsg.FiveTuple
	request   *stunmsg.Message
	response  *stunmsg.Message
	cdata     *relaymsg.ChannelData
	nonce     stunmsg.Nonce
	realm     stunmsg.Realm
	integrity stunmsg.MessageIntegrity
	buf       []byte // buf request

	// clientConn is set only when this context is driving the RFC 6062
	// TCP control connection (see relay.go); nil on the UDP path.
	clientConn net.Conn
	// handedOff and boundPeerConn are set by processConnectionBindRequest
	// once clientConn has been bound; they tell serveTCPConn to splice
	// clientConn with boundPeerConn instead of closing it.
	handedOff     bool
	boundPeerConn net.Conn
}

func (c *context) allowPeer(addr relaymsg.Addr) bool {
	return c.cfg.peerFilter.Action(addr) == filter.Allow
}

func (c *context) allowClient(addr relaymsg.Addr) bool {
	return c.cfg.clientFilter.Action(addr) == filter.Allow
}

func (c *context) setTuple() {
	c.tuple.Proto = c.proto
	c.tuple.Client = c.client
	c.tuple.Server = c.server
}

func (c *context) reset() {
	c.addr = nil
	c.conn = nil
	c.cfg = config{}
	c.time = time.Time{}
	c.client = relaymsg.Addr{}
	c.server = relaymsg.Addr{}
	c.request.Reset()
	c.response.Reset()
	c.cdata.Reset()
	c.proto = 0
	c.setTuple()
	c.nonce = c.nonce[:0]
	c.realm = c.realm[:0]
	c.integrity = nil
	c.clientConn = nil
	c.handedOff = false
	c.boundPeerConn = nil
	c.buf = c.buf[:cap(c.buf)]
	for i := range c.buf {
		c.buf[i] = 0
	}
}

func (c *context) apply(s ...stunmsg.Setter) error {
	for _, a := range s {
		if err := a.AddTo(c.response); err != nil {
			return err
		}
	}
	return nil
}

func (c *context) buildErr(code stunmsg.ErrorCode) error {
	return c.build(stunmsg.ClassErrorResponse, stunmsg.ErrorCodeAttribute{Code: code})
}

func (c *context) buildOk(s ...stunmsg.Setter) error {
	return c.build(stunmsg.ClassSuccessResponse, s...)
}

func (c *context) build(class stunmsg.MessageClass, s ...stunmsg.Setter) error {
	if c.request.Type.Class == stunmsg.ClassIndication {
		// No responses for indication.
		return nil
	}
	c.response.Reset()
	c.response.Type = stunmsg.MessageType{
		Class:  class,
		Method: c.request.Type.Method,
	}
	c.response.TransactionID = c.request.TransactionID
	c.response.WriteHeader()
	if err := c.apply(&c.nonce, &c.realm); err != nil {
		return err
	}
	if len(c.cfg.software) > 0 {
		if err := c.cfg.software.AddTo(c.response); err != nil {
			return err
		}
	}
	if err := c.apply(s...); err != nil {
		return err
	}
	if len(c.integrity) > 0 {
		if err := c.integrity.AddTo(c.response); err != nil {
			return err
		}
	}
	return stunmsg.Fingerprint{}.AddTo(c.response)
}
