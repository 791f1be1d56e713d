package storage

import (
	"testing"
	"time"

	"github.com/petervdpas/lanlink/internal/proto"
	"github.com/petervdpas/lanlink/internal/roster"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMessageRoundTrip(t *testing.T) {
	db := openTestDB(t)

	m := proto.NewMessage("alice", "bob", "hello")
	if err := db.SaveMessage(m); err != nil {
		t.Fatal(err)
	}

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		msgs, err := db.Messages(pair[0], pair[1])
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 || msgs[0].Content != "hello" {
			t.Fatalf("conversation (%s,%s) = %+v", pair[0], pair[1], msgs)
		}
	}
}

func TestStatusIsMonotonic(t *testing.T) {
	db := openTestDB(t)

	m := proto.NewMessage("alice", "bob", "hello")
	if err := db.SaveMessage(m); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		apply proto.MessageStatus
		want  proto.MessageStatus
	}{
		{proto.StatusSent, proto.StatusSent},
		{proto.StatusSeen, proto.StatusSeen},
		{proto.StatusDelivered, proto.StatusSeen}, // late receipt must not regress
		{proto.StatusSending, proto.StatusSeen},
	}
	for _, s := range steps {
		if err := db.UpdateMessageStatus(m.ID, s.apply); err != nil {
			t.Fatal(err)
		}
		msgs, _ := db.Messages("alice", "bob")
		if msgs[0].Status != s.want {
			t.Fatalf("after %s: status = %s, want %s", s.apply, msgs[0].Status, s.want)
		}
	}
}

func TestStatusForUnknownMessageIsTolerated(t *testing.T) {
	db := openTestDB(t)
	if err := db.UpdateMessageStatus("no-such-id", proto.StatusDelivered); err != nil {
		t.Fatalf("receipt for unknown message errored: %v", err)
	}
}

func TestPeerRoundTrip(t *testing.T) {
	db := openTestDB(t)

	p := roster.Peer{
		SessionID: "bob-1",
		DeviceID:  "dev-42",
		Username:  "bob",
		IP:        "10.0.0.5",
		Online:    true,
		LastSeen:  time.Now(),
	}
	if err := db.SavePeer(p); err != nil {
		t.Fatal(err)
	}

	// A later save without device id must not erase the known one.
	p.DeviceID = ""
	p.IP = ""
	if err := db.SavePeer(p); err != nil {
		t.Fatal(err)
	}

	peers, err := db.Peers()
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	got := peers[0]
	if got.DeviceID != "dev-42" || got.IP != "10.0.0.5" {
		t.Fatalf("sparse update erased fields: %+v", got)
	}
	if got.Online {
		t.Fatal("persisted peers must come back offline")
	}
}

func TestClearAll(t *testing.T) {
	db := openTestDB(t)
	db.SaveMessage(proto.NewMessage("a", "b", "x"))
	db.SavePeer(roster.Peer{SessionID: "b", Username: "b", LastSeen: time.Now()})

	if err := db.ClearAll(); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := db.Messages("a", "b"); len(msgs) != 0 {
		t.Fatal("messages survived ClearAll")
	}
	if peers, _ := db.Peers(); len(peers) != 0 {
		t.Fatal("peers survived ClearAll")
	}
}
