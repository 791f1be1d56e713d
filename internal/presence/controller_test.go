package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/lanlink/internal/call"
	"github.com/petervdpas/lanlink/internal/discovery"
	"github.com/petervdpas/lanlink/internal/identity"
	"github.com/petervdpas/lanlink/internal/proto"
	"github.com/petervdpas/lanlink/internal/roster"
	"github.com/petervdpas/lanlink/internal/signal"
	"github.com/petervdpas/lanlink/internal/storage"
	"github.com/petervdpas/lanlink/internal/transport"
)

const testPort = 9444

// nullNegotiator stands in for the media layer in end-to-end tests.
type nullNegotiator struct{}

func (nullNegotiator) CreateOffer() (string, error)       { return "v=0 offer", nil }
func (nullNegotiator) AcceptOffer(string) (string, error) { return "v=0 answer", nil }
func (nullNegotiator) AcceptAnswer(string) error          { return nil }
func (nullNegotiator) AddCandidate(json.RawMessage) error { return nil }
func (nullNegotiator) OnCandidate(func(json.RawMessage))  {}
func (nullNegotiator) OnStateChange(func(call.ConnState)) {}
func (nullNegotiator) Close() error                       { return nil }

type node struct {
	ctrl   *Controller
	ids    *identity.Map
	peers  *roster.Roster
	store  *storage.DB
	router *signal.Router
	trans  *transport.Mem
	disc   *discovery.Static
	calls  *call.Manager
}

// newNode wires a complete in-process peer on the shared bus. known
// lists the peers its discovery will announce once online.
func newNode(t *testing.T, bus *transport.Bus, ip, sessionID, username, deviceID string, known ...discovery.DiscoveredPeer) *node {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ids := identity.NewMap()
	peers := roster.New()
	trans := bus.NewMem(ip, testPort)
	router := signal.New(signal.Profile{
		SessionID: sessionID,
		Username:  username,
		DeviceID:  deviceID,
	}, ids, peers, db, trans)
	disc := discovery.NewStatic(ip, known...)
	calls := call.New(router, func() string { return username },
		func(peerID string) (call.Negotiator, error) { return nullNegotiator{}, nil })
	router.SetCallHandler(calls)

	ctrl := New(Options{ListenPort: testPort}, ids, peers, db, trans, router, disc, calls)
	t.Cleanup(ctrl.Offline)

	return &node{
		ctrl: ctrl, ids: ids, peers: peers, store: db,
		router: router, trans: trans, disc: disc, calls: calls,
	}
}

func asDiscovered(sessionID, deviceID, ip string) discovery.DiscoveredPeer {
	return discovery.DiscoveredPeer{ID: sessionID, DeviceID: deviceID, IP: ip, Port: testPort}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// bringUpPair puts two nodes online with a knowing about b, and waits
// for the mutual join handshake to settle.
func bringUpPair(t *testing.T) (a, b *node) {
	t.Helper()
	bus := transport.NewBus()

	b = newNode(t, bus, "192.168.1.20", "sid-b", "bob", "device-b")
	if err := b.ctrl.Online(); err != nil {
		t.Fatal(err)
	}

	a = newNode(t, bus, "192.168.1.10", "sid-a", "alice", "device-a",
		asDiscovered("sid-b", "device-b", "192.168.1.20"))
	if err := a.ctrl.Online(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "mutual roster", func() bool {
		pa, okA := b.peers.Get("sid-a")
		pb, okB := a.peers.Get("sid-b")
		return okA && okB && pa.Online && pb.Online
	})
	return a, b
}

func TestIntroductionBuildsMutualRosterAndIdentity(t *testing.T) {
	a, b := bringUpPair(t)

	pb, _ := a.peers.Get("sid-b")
	if pb.Username != "bob" || pb.IP != "192.168.1.20" {
		t.Fatalf("a sees b as %q at %q", pb.Username, pb.IP)
	}

	// b never ran discovery; everything it knows about a came from the
	// join handshake, with the address taken from the connection.
	pa, _ := b.peers.Get("sid-a")
	if pa.Username != "alice" || pa.IP != "192.168.1.10" || pa.DeviceID != "device-a" {
		t.Fatalf("b sees a as %+v", pa)
	}

	if h, ok := a.ids.ResolveConnection("sid-b"); !ok || h != "192.168.1.20:9444" {
		t.Fatalf("a resolves b to %q, %v", h, ok)
	}
	if h, ok := b.ids.ResolveConnection("sid-a"); !ok || h != "192.168.1.10:9444" {
		t.Fatalf("b resolves a to %q, %v", h, ok)
	}
}

func TestMessageFlowWithDeliveredReceipt(t *testing.T) {
	a, b := bringUpPair(t)

	var mu sync.Mutex
	var received *proto.Message
	b.router.OnMessage(func(m *proto.Message) {
		mu.Lock()
		received = m
		mu.Unlock()
	})

	msg, err := a.router.SendMessage("sid-b", "hello bob")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != proto.StatusSent {
		t.Fatalf("sent message status = %s", msg.Status)
	}

	waitFor(t, "message arrival", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	})
	mu.Lock()
	if received.Content != "hello bob" || received.SenderID != "sid-a" {
		t.Fatalf("received %+v", received)
	}
	mu.Unlock()

	// The receipt flows back and advances the sender's copy.
	waitFor(t, "delivered receipt", func() bool {
		stored, err := a.store.Messages("sid-a", "sid-b")
		if err != nil || len(stored) != 1 {
			return false
		}
		return stored[0].Status == proto.StatusDelivered
	})
}

func TestSeenReceiptReachesSender(t *testing.T) {
	a, b := bringUpPair(t)

	var mu sync.Mutex
	var got *proto.Message
	b.router.OnMessage(func(m *proto.Message) {
		mu.Lock()
		got = m
		mu.Unlock()
	})

	if _, err := a.router.SendMessage("sid-b", "read me"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message arrival", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	id := got.ID
	mu.Unlock()
	b.router.MarkSeen([]string{id}, "sid-a")

	waitFor(t, "seen status", func() bool {
		stored, err := a.store.Messages("sid-a", "sid-b")
		return err == nil && len(stored) == 1 && stored[0].Status == proto.StatusSeen
	})
}

func TestTypingIndicatorAutoResets(t *testing.T) {
	old := typingTimeout
	typingTimeout = 50 * time.Millisecond
	defer func() { typingTimeout = old }()

	a, b := bringUpPair(t)

	var mu sync.Mutex
	var states []bool
	b.ctrl.OnTyping(func(peerID string, isTyping bool) {
		if peerID != "sid-a" {
			return
		}
		mu.Lock()
		states = append(states, isTyping)
		mu.Unlock()
	})

	if err := a.router.SendTyping("sid-b", true); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "typing auto-reset", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	})
	mu.Lock()
	defer mu.Unlock()
	if !states[0] || states[1] {
		t.Fatalf("typing states = %v, want true then false", states)
	}
}

func TestOfflinePeerIsMarkedByLeave(t *testing.T) {
	a, b := bringUpPair(t)

	a.ctrl.Offline()

	if a.ctrl.IsOnline() {
		t.Fatal("controller still reports online")
	}
	waitFor(t, "b marks a offline", func() bool {
		p, ok := b.peers.Get("sid-a")
		return ok && !p.Online
	})
	// Our own view resets too.
	if p, ok := a.peers.Get("sid-b"); !ok || p.Online {
		t.Fatalf("a's view of b after offline = %+v, %v", p, ok)
	}
}

func TestCallNegotiationAcrossNodes(t *testing.T) {
	a, b := bringUpPair(t)

	aEvents, cancelA := a.calls.Subscribe()
	defer cancelA()
	bEvents, cancelB := b.calls.Subscribe()
	defer cancelB()

	a.calls.Initiate("sid-b")

	var incoming call.Event
	select {
	case incoming = <-bEvents:
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming call event on b")
	}
	if incoming.Type != "incoming" || incoming.PeerID != "sid-a" || incoming.Username != "alice" {
		t.Fatalf("incoming = %+v", incoming)
	}

	if s := b.calls.Accept("sid-a"); s == nil {
		t.Fatal("accept returned no session")
	}

	var connected call.Event
	select {
	case connected = <-aEvents:
	case <-time.After(2 * time.Second):
		t.Fatal("no connected event on a")
	}
	if connected.Type != "connected" || connected.PeerID != "sid-b" {
		t.Fatalf("caller event = %+v", connected)
	}
}

func TestOnlineOfflineAreIdempotent(t *testing.T) {
	bus := transport.NewBus()
	n := newNode(t, bus, "192.168.1.30", "sid-c", "carol", "device-c")

	if err := n.ctrl.Online(); err != nil {
		t.Fatal(err)
	}
	if err := n.ctrl.Online(); err != nil {
		t.Fatal(err)
	}
	n.ctrl.Offline()
	n.ctrl.Offline()
	if n.ctrl.IsOnline() {
		t.Fatal("still online after offline")
	}

	// A second lifecycle must work on the same controller.
	if err := n.ctrl.Online(); err != nil {
		t.Fatal(err)
	}
	n.ctrl.Offline()
}

func TestRosterSeededFromStorage(t *testing.T) {
	bus := transport.NewBus()

	dir := t.TempDir()
	db, err := storage.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.SavePeer(roster.Peer{
		SessionID: "sid-old",
		Username:  "mallory",
		IP:        "192.168.1.99",
		LastSeen:  time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	ids := identity.NewMap()
	peers := roster.New()
	trans := bus.NewMem("192.168.1.40", testPort)
	router := signal.New(signal.Profile{SessionID: "sid-d", Username: "dave"}, ids, peers, db, trans)
	calls := call.New(router, func() string { return "dave" },
		func(string) (call.Negotiator, error) { return nullNegotiator{}, nil })
	New(Options{ListenPort: testPort}, ids, peers, db, trans, router, discovery.NewStatic("192.168.1.40"), calls)

	p, ok := peers.Get("sid-old")
	if !ok {
		t.Fatal("known peer not seeded")
	}
	if p.Online {
		t.Fatal("seeded peer must start offline")
	}
	if p.Username != "mallory" || p.IP != "192.168.1.99" {
		t.Fatalf("seeded peer = %+v", p)
	}
}
