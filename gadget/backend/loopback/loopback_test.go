package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/ardnew/usbgadget/gadget/backend"
	"github.com/ardnew/usbgadget/pkg"
)

type recordingSink struct {
	setups chan *backend.SetupPacket
}

func (s *recordingSink) BusReset() {}
func (s *recordingSink) SetupReceived(setup *backend.SetupPacket) {
	s.setups <- setup
}
func (s *recordingSink) DataReceived(address uint8, data []byte) {}
func (s *recordingSink) BufferEmpty(address uint8)                 {}

func TestLoopbackConnectDisconnect(t *testing.T) {
	l := New()
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := l.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}

func TestLoopbackSubmitSetupRoundTrip(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{setups: make(chan *backend.SetupPacket, 1)}
	svcDone := make(chan error, 1)
	go func() { svcDone <- l.ServiceEvents(ctx, sink) }()

	go func() {
		for setup := range sink.setups {
			_ = setup
			if err := l.SendControl(ctx, []byte{0xDE, 0xAD}); err != nil {
				t.Errorf("SendControl: %v", err)
			}
			if err := l.AckControlStatus(ctx); err != nil {
				t.Errorf("AckControlStatus: %v", err)
			}
		}
	}()

	data, err := l.SubmitSetup(ctx, backend.SetupPacket{Request: 0x06}, nil)
	if err != nil {
		t.Fatalf("SubmitSetup: %v", err)
	}
	if len(data) != 2 || data[0] != 0xDE || data[1] != 0xAD {
		t.Errorf("SubmitSetup data = %v, want [0xDE 0xAD]", data)
	}

	cancel()
	<-svcDone
}

func TestLoopbackStallControl(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{setups: make(chan *backend.SetupPacket, 1)}
	svcDone := make(chan error, 1)
	go func() { svcDone <- l.ServiceEvents(ctx, sink) }()

	go func() {
		for range sink.setups {
			if err := l.StallControl(); err != nil {
				t.Errorf("StallControl: %v", err)
			}
		}
	}()

	_, err := l.SubmitSetup(ctx, backend.SetupPacket{Request: 0x99}, nil)
	if err != pkg.ErrStall {
		t.Errorf("SubmitSetup error = %v, want %v", err, pkg.ErrStall)
	}

	cancel()
	<-svcDone
}

func TestLoopbackSendReceiveDataEndpoints(t *testing.T) {
	l := New()
	if err := l.ConfigureEndpoints([]backend.EndpointConfig{
		{Address: 0x81, Attributes: 0x02, MaxPacketSize: 64},
		{Address: 0x02, Attributes: 0x02, MaxPacketSize: 64},
	}); err != nil {
		t.Fatalf("ConfigureEndpoints: %v", err)
	}

	ctx := context.Background()

	if _, err := l.Send(ctx, 0x81, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := l.ReadIn(ctx, 0x81)
	if err != nil {
		t.Fatalf("ReadIn: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("ReadIn() = %q, want %q", got, "hello")
	}

	if err := l.WriteOut(ctx, 0x02, []byte("world")); err != nil {
		t.Fatalf("WriteOut: %v", err)
	}
	buf := make([]byte, 16)
	n, err := l.Receive(ctx, 0x02, buf)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Errorf("Receive() = %q, want %q", buf[:n], "world")
	}
}

func TestLoopbackStallAndClearHalt(t *testing.T) {
	l := New()
	if err := l.Stall(0x81); err != nil {
		t.Fatalf("Stall: %v", err)
	}
	if err := l.ClearHalt(0x81); err != nil {
		t.Fatalf("ClearHalt: %v", err)
	}
}

func TestLoopbackServiceEventsReturnsOnCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.ServiceEvents(ctx, &recordingSink{setups: make(chan *backend.SetupPacket, 1)}) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("ServiceEvents() error = %v, want %v", err, context.Canceled)
		}
	case <-time.After(time.Second):
		t.Fatal("ServiceEvents did not return after cancel")
	}
}
