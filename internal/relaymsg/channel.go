package relaymsg

import (
	"errors"
	"io"
	"strconv"

	"github.com/turngate/turngate/internal/stunmsg"
)

// ChannelNumber implements the CHANNEL-NUMBER attribute (RFC 5766
// Section 14.1).
type ChannelNumber int // encoded as uint16

const channelNumberSize = 4 // 16 bits of number + 16 bits RFFU

func (n ChannelNumber) String() string { return strconv.Itoa(int(n)) }

// Channel number range allowed by RFC 5766 Section 11: 0x4000 through
// 0x7FFF (16,384 possible values).
const (
	MinChannelNumber ChannelNumber = 0x4000
	MaxChannelNumber ChannelNumber = 0x7FFF
)

// ErrInvalidChannelNumber means the channel number falls outside
// [0x4000, 0x7FFF].
var ErrInvalidChannelNumber = errors.New("relaymsg: channel number not in [0x4000, 0x7FFF]")

// Valid reports whether n is in the allowed channel number range.
func (n ChannelNumber) Valid() bool {
	return n >= MinChannelNumber && n <= MaxChannelNumber
}

// AddTo adds CHANNEL-NUMBER to m.
func (n ChannelNumber) AddTo(m *stunmsg.Message) error {
	v := make([]byte, channelNumberSize)
	bin.PutUint16(v[:2], uint16(n))
	m.WriteAttribute(stunmsg.AttrChannelNumber, v)
	return nil
}

// GetFrom decodes CHANNEL-NUMBER from m.
func (n *ChannelNumber) GetFrom(m *stunmsg.Message) error {
	attr, err := m.Get(stunmsg.AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(attr.Value) != channelNumberSize {
		return BadAttrLength{Attr: stunmsg.AttrChannelNumber, Got: len(attr.Value), Expected: channelNumberSize}
	}
	*n = ChannelNumber(bin.Uint16(attr.Value[:2]))
	return nil
}

const (
	channelDataLengthSize = 2
	channelNumberFieldLen = 2
	// ChannelDataHeaderSize is the 4-byte ChannelData header: a 2-byte
	// channel number followed by a 2-byte length (RFC 5766 Section 11.4).
	ChannelDataHeaderSize = channelNumberFieldLen + channelDataLengthSize
)

// ChannelData represents a ChannelData message (RFC 5766 Section
// 11.4), the compact framing TURN uses once a channel binding exists
// so relayed data need not carry a full STUN/TURN header.
type ChannelData struct {
	Number ChannelNumber
	Data   []byte // subslice of Raw when decoded
	Raw    []byte
}

// Reset clears c for reuse, keeping the underlying buffer.
func (c *ChannelData) Reset() {
	c.Raw = c.Raw[:0]
	c.Data = nil
	c.Number = 0
}

func (c *ChannelData) grow(n int) {
	total := len(c.Raw) + n
	for cap(c.Raw) < total {
		c.Raw = append(c.Raw[:cap(c.Raw)], 0)
	}
	c.Raw = c.Raw[:total]
}

// Encode writes the unpadded ChannelData frame (as used over UDP) to
// Raw. Use EncodeFramed for TCP/TLS transports, which require
// padding to a 4-byte boundary per RFC 5766 Section 11.
func (c *ChannelData) Encode() {
	c.Raw = c.Raw[:0]
	c.grow(ChannelDataHeaderSize + len(c.Data))
	bin.PutUint16(c.Raw[0:channelNumberFieldLen], uint16(c.Number))
	bin.PutUint16(c.Raw[channelNumberFieldLen:ChannelDataHeaderSize], uint16(len(c.Data)))
	copy(c.Raw[ChannelDataHeaderSize:], c.Data)
}

// EncodeFramed writes the ChannelData frame to Raw, padding the data
// to a multiple of 4 bytes when proto is a stream transport. RFC 5766
// Section 11 requires this padding over TCP/TLS so that a received
// stream self-delimits into distinct frames; it is explicitly absent
// over UDP/DTLS, where each datagram is already one frame.
func (c *ChannelData) EncodeFramed(proto Protocol) {
	c.Encode()
	if proto != ProtocolTCP {
		return
	}
	if pad := nearestPadded(len(c.Data)) - len(c.Data); pad > 0 {
		c.Raw = append(c.Raw, make([]byte, pad)...)
	}
}

func nearestPadded(n int) int {
	return (n + 3) &^ 3
}

// ErrBadChannelDataLength means the declared length did not match the
// bytes available after the header.
var ErrBadChannelDataLength = errors.New("relaymsg: channel data length mismatch")

// Decode parses Raw as a ChannelData message. proto determines whether
// trailing padding bytes (present on stream transports) are tolerated
// after the declared length.
func (c *ChannelData) Decode(proto Protocol) error {
	buf := c.Raw
	if len(buf) < ChannelDataHeaderSize {
		return io.ErrUnexpectedEOF
	}
	c.Number = ChannelNumber(bin.Uint16(buf[0:channelNumberFieldLen]))
	length := int(bin.Uint16(buf[channelNumberFieldLen:ChannelDataHeaderSize]))
	body := buf[ChannelDataHeaderSize:]
	if length > len(body) {
		return ErrBadChannelDataLength
	}
	if proto == ProtocolUDP && length != len(body) {
		return ErrBadChannelDataLength
	}
	c.Data = body[:length]
	if !c.Number.Valid() {
		return ErrInvalidChannelNumber
	}
	return nil
}

// IsChannelData reports whether buf looks like a ChannelData message:
// a channel number in the valid range whose declared length is
// consistent with the bytes that follow. Used by the dispatcher to
// demux channel-bound relay traffic from STUN/TURN control messages
// on the same socket (RFC 5766 Section 11).
func IsChannelData(buf []byte) bool {
	if len(buf) < ChannelDataHeaderSize {
		return false
	}
	num := ChannelNumber(bin.Uint16(buf[0:channelNumberFieldLen]))
	if !num.Valid() {
		return false
	}
	length := int(bin.Uint16(buf[channelNumberFieldLen:ChannelDataHeaderSize]))
	return length <= len(buf[ChannelDataHeaderSize:])
}
