package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/petervdpas/lanlink/internal/proto"
)

const (
	mdnsDomain = "local."

	// A peer whose advertisement has not been re-seen within this window
	// is reported lost. The leave envelope is the primary offline
	// signal; this only covers peers that vanish without one.
	defaultPeerTTL = 90 * time.Second
)

// Zeroconf advertises and browses peers over mDNS.
type Zeroconf struct {
	sessionID   string
	deviceID    string
	serviceType string

	mu        sync.Mutex
	server    *zeroconf.Server
	events    chan Event
	seen      map[string]*seenEntry // peer id -> last observation
	cancel    context.CancelFunc
	browsing  bool
	peerTTL   time.Duration
}

type seenEntry struct {
	peer DiscoveredPeer
	at   time.Time
}

// NewZeroconf creates an mDNS discovery service for the local session.
// sessionID is embedded in the TXT record so browsers learn it without
// waiting for a join envelope; deviceID likewise when available.
// serviceType may be empty for the default.
func NewZeroconf(sessionID, deviceID, serviceType string) *Zeroconf {
	return &Zeroconf{
		sessionID:   sessionID,
		deviceID:    deviceID,
		serviceType: serviceType,
		events:      make(chan Event, 32),
		seen:        map[string]*seenEntry{},
		peerTTL:     defaultPeerTTL,
	}
}

// StartAdvertising registers the local node on the LAN.
func (z *Zeroconf) StartAdvertising(name string, port int) error {
	txt := []string{
		"sid=" + z.sessionID,
		"name=" + name,
	}
	if z.deviceID != "" {
		txt = append(txt, "did="+z.deviceID)
	}

	instance := fmt.Sprintf("%s-%s", name, shortID(z.sessionID))
	server, err := zeroconf.Register(instance, serviceOf(z.serviceType), mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	z.mu.Lock()
	if z.server != nil {
		z.server.Shutdown()
	}
	z.server = server
	z.mu.Unlock()

	log.Printf("DISCO: advertising %q on port %d", instance, port)
	return nil
}

// StopAdvertising withdraws the mDNS announcement. Idempotent.
func (z *Zeroconf) StopAdvertising() {
	z.mu.Lock()
	server := z.server
	z.server = nil
	z.mu.Unlock()
	if server != nil {
		server.Shutdown()
		log.Printf("DISCO: advertisement withdrawn")
	}
}

// StartDiscovery browses for peers of serviceType and starts the TTL
// sweep that synthesizes peer-lost events.
func (z *Zeroconf) StartDiscovery(serviceType string) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	z.mu.Lock()
	if z.browsing {
		z.mu.Unlock()
		cancel()
		return nil
	}
	z.browsing = true
	z.cancel = cancel
	if z.events == nil {
		// Restart after StopDiscovery closed the previous channel.
		z.events = make(chan Event, 32)
	}
	z.mu.Unlock()

	if serviceType == "" {
		serviceType = z.serviceType
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, serviceOf(serviceType), mdnsDomain, entries); err != nil {
		cancel()
		z.mu.Lock()
		z.browsing = false
		z.cancel = nil
		z.mu.Unlock()
		return fmt.Errorf("mdns browse: %w", err)
	}

	go z.consume(ctx, entries)
	go z.sweepLoop(ctx)
	log.Printf("DISCO: browsing %s", serviceOf(serviceType))
	return nil
}

func (z *Zeroconf) consume(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			peer, ok := peerFromEntry(entry)
			if !ok || peer.ID == z.sessionID {
				continue
			}
			z.mu.Lock()
			_, known := z.seen[peer.ID]
			z.seen[peer.ID] = &seenEntry{peer: peer, at: time.Now()}
			z.mu.Unlock()
			if !known {
				log.Printf("DISCO: found %s (%s) at %s:%d", peer.Name, peer.ID, peer.IP, peer.Port)
			}
			z.emit(Event{Kind: PeerFound, Peer: peer})
		}
	}
}

// sweepLoop reports peers whose advertisements have expired.
func (z *Zeroconf) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(z.peerTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-z.peerTTL)
			z.mu.Lock()
			var lost []DiscoveredPeer
			for id, e := range z.seen {
				if e.at.Before(cutoff) {
					lost = append(lost, e.peer)
					delete(z.seen, id)
				}
			}
			z.mu.Unlock()
			for _, peer := range lost {
				log.Printf("DISCO: lost %s (%s)", peer.Name, peer.ID)
				z.emit(Event{Kind: PeerLost, Peer: peer})
			}
		}
	}
}

// StopDiscovery stops browsing and closes the event channel. Idempotent.
func (z *Zeroconf) StopDiscovery() {
	z.mu.Lock()
	cancel := z.cancel
	z.cancel = nil
	wasBrowsing := z.browsing
	z.browsing = false
	z.seen = map[string]*seenEntry{}
	if wasBrowsing {
		close(z.events)
		z.events = nil
	}
	z.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// LocalAddress returns the first private IPv4 address of a non-loopback
// interface, or empty if none is up.
func (z *Zeroconf) LocalAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP.To4()
		if ip == nil || ip.IsLoopback() || !ip.IsPrivate() {
			continue
		}
		return ip.String()
	}
	return ""
}

// Events returns the discovery event stream.
func (z *Zeroconf) Events() <-chan Event {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.events
}

func (z *Zeroconf) emit(evt Event) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if !z.browsing {
		return
	}
	select {
	case z.events <- evt:
	default:
	}
}

// peerFromEntry translates an mDNS service entry into a DiscoveredPeer.
// Entries without a usable IPv4 address or a session id are skipped.
func peerFromEntry(entry *zeroconf.ServiceEntry) (DiscoveredPeer, bool) {
	peer := DiscoveredPeer{
		Name: entry.Instance,
		Port: entry.Port,
	}
	if len(entry.AddrIPv4) > 0 {
		peer.IP = entry.AddrIPv4[0].String()
	}
	for _, kv := range entry.Text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "sid":
			peer.ID = v
		case "name":
			peer.Name = v
		case "did":
			peer.DeviceID = v
		}
	}
	if peer.ID == "" || peer.IP == "" {
		return DiscoveredPeer{}, false
	}
	return peer, true
}

func serviceOf(serviceType string) string {
	if serviceType == "" {
		return proto.ServiceType
	}
	return serviceType
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
