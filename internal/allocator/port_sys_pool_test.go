package allocator

import (
	"net"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/turngate/turngate/internal/relaymsg"
)

func TestSystemPortPooledAllocator_AllocatePort(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	defer func() {
		if logs.Len() > 0 {
			t.Error("got errors in logs")
		}
		for _, l := range logs.All() {
			t.Log(l.Message)
		}
	}()
	a, err := NewSystemPortPooledAllocator(zap.New(core), "udp4", net.IPv4(127, 0, 0, 1), 34000, 34010)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	alloc, err := a.AllocatePort(relaymsg.ProtocolUDP, "udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if alloc.Addr.Port < 34000 || alloc.Addr.Port > 34010 {
		t.Errorf("port %d out of range", alloc.Addr.Port)
	}
	if err = alloc.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSystemPortPooledAllocator_RejectsMinGreaterThanMax(t *testing.T) {
	if _, err := NewSystemPortPooledAllocator(zap.NewNop(), "udp4", net.IPv4(127, 0, 0, 1), 100, 50); err == nil {
		t.Error("expected error for minPort > maxPort")
	}
}

func TestSystemPortPooledAllocator_RejectsTCP(t *testing.T) {
	a, err := NewSystemPortPooledAllocator(zap.NewNop(), "udp4", net.IPv4(127, 0, 0, 1), 34020, 34030)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if _, err := a.AllocatePort(relaymsg.ProtocolTCP, "tcp4", "127.0.0.1:0"); err == nil {
		t.Error("expected tcp relay allocation to be rejected")
	}
}
