// Package presence owns the node's online/offline lifecycle. Going
// online starts the transport listener, advertises on the network,
// browses for peers and announces our identity; going offline withdraws
// all of it. While online the controller pumps discovery and transport
// events into the identity map, the roster and the signaling router.
package presence

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/lanlink/internal/call"
	"github.com/petervdpas/lanlink/internal/discovery"
	"github.com/petervdpas/lanlink/internal/identity"
	"github.com/petervdpas/lanlink/internal/roster"
	"github.com/petervdpas/lanlink/internal/signal"
	"github.com/petervdpas/lanlink/internal/storage"
	"github.com/petervdpas/lanlink/internal/transport"
)

// typingTimeout resets a peer's typing indicator when no further typing
// envelope arrives. Variable so tests can shorten it.
var typingTimeout = 3 * time.Second

const (
	defaultStaleAfter = 2 * time.Minute
	defaultSweepEvery = 30 * time.Second
)

// Options tune the controller. Zero values pick defaults.
type Options struct {
	// ListenPort is the transport listen port, advertised via discovery.
	ListenPort int

	// AdvertiseName is the display name carried in the advertisement.
	AdvertiseName string

	// ServiceType overrides the mDNS service type; empty picks the
	// discovery default.
	ServiceType string

	// StaleAfter marks a peer offline when nothing has been heard from
	// them for this long.
	StaleAfter time.Duration

	// SweepEvery is the stale-check interval.
	SweepEvery time.Duration

	// ProfilePath, when set, is watched for changes; edits to the
	// profile are re-announced to the network without going offline.
	ProfilePath string

	// ReloadProfile loads the announced profile after ProfilePath
	// changed. Required when ProfilePath is set.
	ReloadProfile func() (signal.Profile, error)
}

// Controller drives the online lifecycle.
type Controller struct {
	opts   Options
	ids    *identity.Map
	peers  *roster.Roster
	store  *storage.DB
	trans  transport.Transport
	router *signal.Router
	disc   discovery.Service
	calls  *call.Manager

	mu       sync.Mutex
	online   bool
	stop     chan struct{}
	wg       sync.WaitGroup
	typing   map[string]*time.Timer
	onTyping func(peerID string, isTyping bool)
}

// New assembles a controller and seeds the roster with previously known
// peers, all offline until the network says otherwise.
func New(opts Options, ids *identity.Map, peers *roster.Roster, store *storage.DB,
	trans transport.Transport, router *signal.Router, disc discovery.Service, calls *call.Manager) *Controller {

	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}

	c := &Controller{
		opts:   opts,
		ids:    ids,
		peers:  peers,
		store:  store,
		trans:  trans,
		router: router,
		disc:   disc,
		calls:  calls,
		typing: make(map[string]*time.Timer),
	}

	router.OnTyping(c.handleTyping)
	c.seedRoster()
	return c
}

// OnTyping registers the typing indicator callback. Indicators reset
// automatically when a peer stops sending them.
func (c *Controller) OnTyping(fn func(peerID string, isTyping bool)) {
	c.mu.Lock()
	c.onTyping = fn
	c.mu.Unlock()
}

func (c *Controller) seedRoster() {
	if c.store == nil {
		return
	}
	known, err := c.store.Peers()
	if err != nil {
		log.Printf("PRESENCE: load known peers: %v", err)
		return
	}
	for _, p := range known {
		c.peers.Upsert(roster.Draft{
			SessionID:  p.SessionID,
			DeviceID:   p.DeviceID,
			DeviceName: p.DeviceName,
			Username:   p.Username,
			IP:         p.IP,
			AvatarURL:  p.AvatarURL,
			Online:     false,
		})
	}
	if len(known) > 0 {
		log.Printf("PRESENCE: seeded roster with %d known peers", len(known))
	}
}

// Online starts listening, advertising, browsing and announces our
// identity. Idempotent.
func (c *Controller) Online() error {
	c.mu.Lock()
	if c.online {
		c.mu.Unlock()
		return nil
	}
	c.online = true
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	if err := c.trans.Start(c.opts.ListenPort); err != nil {
		c.markOffline()
		return fmt.Errorf("start transport: %w", err)
	}

	c.router.SetLocalIP(c.disc.LocalAddress())

	if err := c.disc.StartDiscovery(c.opts.ServiceType); err != nil {
		log.Printf("PRESENCE: start discovery: %v", err)
	}
	if err := c.disc.StartAdvertising(c.opts.AdvertiseName, c.opts.ListenPort); err != nil {
		log.Printf("PRESENCE: start advertising: %v", err)
	}

	c.wg.Add(3)
	go c.pumpTransport(c.trans.Events())
	go c.pumpDiscovery(c.disc.Events())
	go c.sweepLoop(stop)

	if c.opts.ProfilePath != "" && c.opts.ReloadProfile != nil {
		c.wg.Add(1)
		go c.watchProfile(stop)
	}

	// Belt and braces for peers whose browser missed our advertisement.
	if err := c.router.SendJoin(""); err != nil {
		log.Printf("PRESENCE: announce: %v", err)
	}

	log.Printf("PRESENCE: online on port %d", c.opts.ListenPort)
	return nil
}

// Offline announces departure and tears everything down. Idempotent.
func (c *Controller) Offline() {
	c.mu.Lock()
	if !c.online {
		c.mu.Unlock()
		return
	}
	c.online = false
	stop := c.stop
	c.mu.Unlock()

	if err := c.router.SendLeave(); err != nil {
		log.Printf("PRESENCE: leave: %v", err)
	}

	c.calls.Close()
	c.disc.StopAdvertising()
	c.disc.StopDiscovery()
	close(stop)
	if err := c.trans.Stop(); err != nil {
		log.Printf("PRESENCE: stop transport: %v", err)
	}
	c.wg.Wait()

	c.clearTyping()
	c.peers.MarkAllOffline()
	c.ids.Clear()
	c.router.Reset()
	log.Printf("PRESENCE: offline")
}

// IsOnline reports the current lifecycle state.
func (c *Controller) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Controller) markOffline() {
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()
}

// pumpTransport runs until the transport closes its event channel.
// Events are consumed on a single goroutine, so roster and identity
// updates for one connection apply in arrival order.
func (c *Controller) pumpTransport(events <-chan transport.Event) {
	defer c.wg.Done()
	for evt := range events {
		switch evt.Kind {
		case transport.Data:
			c.router.HandleData(evt.Conn, evt.Data)
		case transport.Disconnected:
			// The session may live on over another connection; only the
			// dead handle is forgotten. Staleness handles the rest.
			c.ids.RemoveHandle(evt.Conn)
		case transport.Connected:
			// Nothing to do until the peer introduces itself.
		}
	}
}

func (c *Controller) pumpDiscovery(events <-chan discovery.Event) {
	defer c.wg.Done()
	for evt := range events {
		switch evt.Kind {
		case discovery.PeerFound:
			c.handleFound(evt.Peer)
		case discovery.PeerLost:
			log.Printf("PRESENCE: lost sight of %s", evt.Peer.ID)
			c.peers.MarkOffline(evt.Peer.ID)
		}
	}
}

// handleFound connects to a newly discovered peer and introduces
// ourselves. The roster entry created here is provisional; the peer's
// join envelope fills in the rest.
func (c *Controller) handleFound(p discovery.DiscoveredPeer) {
	// Statically configured peers carry no session id; for those the
	// join reply tells us who answered.
	if p.ID != "" {
		c.peers.Upsert(roster.Draft{
			SessionID: p.ID,
			DeviceID:  p.DeviceID,
			Username:  p.Name,
			IP:        p.IP,
			Online:    true,
		})
	}

	handle, err := c.trans.Connect(p.IP, p.Port)
	if err != nil {
		log.Printf("PRESENCE: connect to %s:%d: %v", p.IP, p.Port, err)
		return
	}
	if p.ID != "" {
		c.ids.RegisterConnection(p.ID, handle, p.IP)
	}

	if err := c.router.Introduce(handle); err != nil {
		log.Printf("PRESENCE: introduce via %s: %v", handle, err)
	}
}

func (c *Controller) sweepLoop(stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.peers.SweepStale(time.Now().Add(-c.opts.StaleAfter))
		}
	}
}

// handleTyping forwards the indicator and arms the auto-reset so a
// vanished peer cannot leave "typing..." stuck on screen.
func (c *Controller) handleTyping(peerID string, isTyping bool) {
	c.mu.Lock()
	if t, ok := c.typing[peerID]; ok {
		t.Stop()
		delete(c.typing, peerID)
	}
	if isTyping {
		c.typing[peerID] = time.AfterFunc(typingTimeout, func() {
			c.mu.Lock()
			delete(c.typing, peerID)
			fn := c.onTyping
			c.mu.Unlock()
			if fn != nil {
				fn(peerID, false)
			}
		})
	}
	fn := c.onTyping
	c.mu.Unlock()

	if fn != nil {
		fn(peerID, isTyping)
	}
}

func (c *Controller) clearTyping() {
	c.mu.Lock()
	for id, t := range c.typing {
		t.Stop()
		delete(c.typing, id)
	}
	c.mu.Unlock()
}

// watchProfile re-announces our identity when the profile file changes
// on disk, so username or avatar edits propagate without reconnecting.
func (c *Controller) watchProfile(stop <-chan struct{}) {
	defer c.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("PRESENCE: profile watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(c.opts.ProfilePath); err != nil {
		log.Printf("PRESENCE: watch %s: %v", c.opts.ProfilePath, err)
		return
	}

	for {
		select {
		case <-stop:
			return
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			profile, err := c.opts.ReloadProfile()
			if err != nil {
				log.Printf("PRESENCE: reload profile: %v", err)
				continue
			}
			c.router.SetProfile(profile)
			if err := c.router.SendJoin(""); err != nil {
				log.Printf("PRESENCE: re-announce: %v", err)
			} else {
				log.Printf("PRESENCE: profile change announced")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("PRESENCE: profile watcher: %v", err)
		}
	}
}
