package relaymsg

import (
	"net"
	"testing"

	"github.com/turngate/turngate/internal/stunmsg"
)

func buildMessage(t *testing.T, typ stunmsg.MessageType, setters ...stunmsg.Setter) *stunmsg.Message {
	t.Helper()
	m := stunmsg.New()
	if err := m.Build(typ, setters...); err != nil {
		t.Fatalf("Build: %v", err)
	}
	decoded := new(stunmsg.Message)
	decoded.Raw = append([]byte(nil), m.Raw...)
	if err := decoded.Decode(); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return decoded
}

func TestPeerAddress_RoundTrip(t *testing.T) {
	m := buildMessage(t, stunmsg.NewType(stunmsg.MethodCreatePermission, stunmsg.ClassRequest),
		PeerAddress{IP: net.ParseIP("203.0.113.9"), Port: 9000})
	var got PeerAddress
	if err := got.GetFrom(m); err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	if got.Port != 9000 || !got.IP.Equal(net.ParseIP("203.0.113.9")) {
		t.Errorf("got %s, want 203.0.113.9:9000", got)
	}
}

func TestPeerAddress_Repeatable(t *testing.T) {
	m := stunmsg.New()
	if err := m.Build(stunmsg.NewType(stunmsg.MethodCreatePermission, stunmsg.ClassRequest),
		PeerAddress{IP: net.ParseIP("203.0.113.1"), Port: 1},
	); err != nil {
		t.Fatal(err)
	}
	if err := (PeerAddress{IP: net.ParseIP("203.0.113.2"), Port: 2}).AddTo(m); err != nil {
		t.Fatal(err)
	}
	decoded := new(stunmsg.Message)
	decoded.Raw = append([]byte(nil), m.Raw...)
	if err := decoded.Decode(); err != nil {
		t.Fatal(err)
	}
	all := decoded.GetAll(stunmsg.AttrXORPeerAddress)
	if len(all) != 2 {
		t.Fatalf("got %d XOR-PEER-ADDRESS attributes, want 2", len(all))
	}
}

func TestChannelNumber_Valid(t *testing.T) {
	for _, tc := range []struct {
		n    ChannelNumber
		want bool
	}{
		{0x3FFF, false},
		{0x4000, true},
		{0x7FFF, true},
		{0x8000, false},
	} {
		if got := tc.n.Valid(); got != tc.want {
			t.Errorf("%#x.Valid() = %v, want %v", int(tc.n), got, tc.want)
		}
	}
}

func TestChannelData_EncodeDecode_UDP(t *testing.T) {
	cd := &ChannelData{Number: 0x4001, Data: []byte("hello")}
	cd.EncodeFramed(ProtocolUDP)
	if len(cd.Raw)%4 != 0 {
		// UDP frame is not required to pad; header(4)+len(5) = 9, not a
		// multiple of 4, which is expected and must decode cleanly.
	}
	decoded := &ChannelData{Raw: append([]byte(nil), cd.Raw...)}
	if err := decoded.Decode(ProtocolUDP); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded.Data) != "hello" || decoded.Number != 0x4001 {
		t.Errorf("got %+v", decoded)
	}
}

func TestChannelData_EncodeDecode_TCPPadded(t *testing.T) {
	cd := &ChannelData{Number: 0x4002, Data: []byte("hi")}
	cd.EncodeFramed(ProtocolTCP)
	if len(cd.Raw) != ChannelDataHeaderSize+4 {
		t.Fatalf("Raw length = %d, want %d (2 bytes padded to 4)", len(cd.Raw), ChannelDataHeaderSize+4)
	}
	decoded := &ChannelData{Raw: append([]byte(nil), cd.Raw...)}
	if err := decoded.Decode(ProtocolTCP); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded.Data) != "hi" {
		t.Errorf("Data = %q, want %q", decoded.Data, "hi")
	}
}

func TestChannelData_InvalidNumber(t *testing.T) {
	cd := &ChannelData{Number: 0x1234, Data: []byte("x")}
	cd.Encode()
	decoded := &ChannelData{Raw: append([]byte(nil), cd.Raw...)}
	if err := decoded.Decode(ProtocolUDP); err != ErrInvalidChannelNumber {
		t.Errorf("Decode err = %v, want %v", err, ErrInvalidChannelNumber)
	}
}

func TestIsChannelData(t *testing.T) {
	cd := &ChannelData{Number: 0x4003, Data: []byte("payload")}
	cd.Encode()
	if !IsChannelData(cd.Raw) {
		t.Error("IsChannelData = false, want true")
	}
	if IsChannelData([]byte{0, 1, 0, 0}) {
		t.Error("IsChannelData = true for invalid channel number, want false")
	}
}

func TestLifetime_RoundTrip(t *testing.T) {
	m := buildMessage(t, stunmsg.NewType(stunmsg.MethodRefresh, stunmsg.ClassRequest),
		Lifetime(600e9 /* ns */))
	var got Lifetime
	if err := got.GetFrom(m); err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	if got != Lifetime(600e9) {
		t.Errorf("got %v, want 600s", got)
	}
}

func TestRequestedTransport_RoundTrip(t *testing.T) {
	m := buildMessage(t, stunmsg.NewType(stunmsg.MethodAllocate, stunmsg.ClassRequest),
		RequestedTransport{Protocol: ProtocolTCP})
	var got RequestedTransport
	if err := got.GetFrom(m); err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	if got.Protocol != ProtocolTCP {
		t.Errorf("Protocol = %s, want tcp", got.Protocol)
	}
}

func TestEvenPort_RoundTrip(t *testing.T) {
	m := buildMessage(t, stunmsg.NewType(stunmsg.MethodAllocate, stunmsg.ClassRequest),
		EvenPort{ReserveNext: true})
	var got EvenPort
	if err := got.GetFrom(m); err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	if !got.ReserveNext {
		t.Error("ReserveNext = false, want true")
	}
}

func TestConnectionID_RoundTrip(t *testing.T) {
	m := buildMessage(t, stunmsg.NewType(stunmsg.MethodConnectionBind, stunmsg.ClassRequest),
		ConnectionID(0xdeadbeef))
	var got ConnectionID
	if err := got.GetFrom(m); err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("got 0x%x, want 0xdeadbeef", uint32(got))
	}
}

func TestRequestedAddressFamily_RoundTrip(t *testing.T) {
	m := buildMessage(t, stunmsg.NewType(stunmsg.MethodAllocate, stunmsg.ClassRequest),
		RequestedAddressFamily{Family: AddressFamilyIPv6})
	var got RequestedAddressFamily
	if err := got.GetFrom(m); err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	if got.Family != AddressFamilyIPv6 {
		t.Errorf("Family = %d, want IPv6", got.Family)
	}
}

func TestChangeRequest_RoundTrip(t *testing.T) {
	m := buildMessage(t, stunmsg.BindingRequest, ChangeRequest{ChangeIP: true, ChangePort: true})
	var got ChangeRequest
	if err := got.GetFrom(m); err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	if !got.ChangeIP || !got.ChangePort {
		t.Errorf("got %+v, want both true", got)
	}
}
