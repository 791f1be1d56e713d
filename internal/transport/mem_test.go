package transport

import (
	"testing"
	"time"
)

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", kind)
			}
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestMemConnectAndSend(t *testing.T) {
	bus := NewBus()
	a := bus.NewMem("10.0.0.2", 0)
	b := bus.NewMem("10.0.0.5", 0)
	if err := a.Start(8765); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(8765); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	defer b.Stop()

	handle, err := a.Connect("10.0.0.5", 8765)
	if err != nil {
		t.Fatal(err)
	}
	if handle != "10.0.0.5:8765" {
		t.Fatalf("handle = %q", handle)
	}

	evt := waitEvent(t, b.Events(), Connected)
	if evt.Conn != "10.0.0.2:8765" {
		t.Fatalf("remote saw handle %q", evt.Conn)
	}

	if err := a.Send(handle, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	data := waitEvent(t, b.Events(), Data)
	if string(data.Data) != "ping" || data.Conn != "10.0.0.2:8765" {
		t.Fatalf("got %q from %q", data.Data, data.Conn)
	}
}

func TestMemConnectToUnknownAddress(t *testing.T) {
	bus := NewBus()
	a := bus.NewMem("10.0.0.2", 0)
	a.Start(8765)
	defer a.Stop()

	if _, err := a.Connect("10.0.0.99", 8765); err == nil {
		t.Fatal("dial to unregistered address succeeded")
	}
}

func TestMemStopNotifiesPeers(t *testing.T) {
	bus := NewBus()
	a := bus.NewMem("10.0.0.2", 0)
	b := bus.NewMem("10.0.0.5", 0)
	a.Start(8765)
	b.Start(8765)

	a.Connect("10.0.0.5", 8765)
	waitEvent(t, b.Events(), Connected)

	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, b.Events(), Disconnected)

	// Stop is idempotent.
	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
}
