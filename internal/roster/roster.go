// Package roster is the single source of truth for which peers exist on
// the network and in what state. Entries are deduplicated by device
// identity, not by session churn: the same physical device announcing
// itself with a new IP or a regenerated session id merges into its
// existing entry instead of appearing twice.
package roster

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/lanlink/internal/util"
)

// Peer is one remote chat participant.
type Peer struct {
	SessionID  string    `json:"id"`
	DeviceID   string    `json:"deviceId,omitempty"`
	DeviceName string    `json:"deviceName,omitempty"`
	Username   string    `json:"username"`
	IP         string    `json:"ip"`
	AvatarURL  string    `json:"avatarUrl,omitempty"`
	Online     bool      `json:"isOnline"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Draft is a candidate peer observation from discovery, a join envelope
// or a reconnect. Zero-value fields mean "unknown, keep what we have".
type Draft struct {
	SessionID  string
	DeviceID   string
	DeviceName string
	Username   string
	IP         string
	AvatarURL  string
	Online     bool
}

// Event notifies subscribers of roster changes.
type Event struct {
	Type string `json:"type"` // update | remove
	Peer Peer   `json:"peer"`
}

// Roster holds the deduplicated peer table.
type Roster struct {
	mu        sync.Mutex
	peers     map[string]*Peer // keyed by session id
	listeners []chan Event
}

func New() *Roster {
	return &Roster{peers: map[string]*Peer{}}
}

// Upsert merges a candidate observation into the roster and returns the
// resulting peer. Merge priority:
//
//  1. an existing entry with the same stable device id — the device id
//     survives IP churn and session regeneration;
//  2. an existing entry with the same session id;
//  3. an existing online entry at the same real (non-placeholder) IP —
//     the next-best signal before a join has revealed the device id;
//  4. otherwise a new entry is appended.
//
// Upsert is idempotent: repeating the same candidate changes nothing
// but the last-seen stamp.
//
// The second return value is the session id an entry was re-keyed away
// from, or empty. Callers mirroring the roster to storage use it to
// drop the stale row.
func (r *Roster) Upsert(d Draft) (Peer, string) {
	r.mu.Lock()
	p, vacated := r.merge(d)
	p.LastSeen = time.Now()
	out := *p
	r.mu.Unlock()
	r.notify(Event{Type: "update", Peer: out})
	return out, vacated
}

func (r *Roster) merge(d Draft) (*Peer, string) {
	var target *Peer
	vacated := ""

	if d.DeviceID != "" {
		for _, p := range r.peers {
			if p.DeviceID == d.DeviceID {
				target = p
				break
			}
		}
	}
	if target == nil && d.SessionID != "" {
		target = r.peers[d.SessionID]
	}
	if target == nil && util.ValidIP(d.IP) {
		for _, p := range r.peers {
			if p.Online && p.IP == d.IP {
				target = p
				break
			}
		}
	}

	if target == nil {
		target = &Peer{SessionID: d.SessionID}
		r.peers[d.SessionID] = target
		log.Printf("ROSTER: new peer %s (%s)", d.SessionID, d.Username)
	} else if d.SessionID != "" && d.SessionID != target.SessionID {
		// The device re-announced under a fresh session id: re-key the
		// entry so application-level addressing keeps working.
		vacated = target.SessionID
		delete(r.peers, target.SessionID)
		target.SessionID = d.SessionID
		r.peers[d.SessionID] = target
		log.Printf("ROSTER: peer re-keyed to %s (%s)", d.SessionID, d.Username)
	}

	if d.DeviceID != "" {
		target.DeviceID = d.DeviceID
	}
	if d.DeviceName != "" {
		target.DeviceName = d.DeviceName
	}
	if d.Username != "" {
		target.Username = d.Username
	}
	if util.ValidIP(d.IP) {
		target.IP = d.IP
	}
	if d.AvatarURL != "" {
		target.AvatarURL = d.AvatarURL
	}
	target.Online = d.Online
	return target, vacated
}

// Get returns a peer by session id.
func (r *Roster) Get(sessionID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[sessionID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// MarkOffline flips a peer to offline and stamps last-seen. The entry
// is kept for reconnection continuity. key may be a session id or a
// stable device id. No-op for unknown keys.
func (r *Roster) MarkOffline(key string) {
	r.mu.Lock()
	p, ok := r.peers[key]
	if !ok {
		for _, q := range r.peers {
			if q.DeviceID == key {
				p, ok = q, true
				break
			}
		}
	}
	if !ok || !p.Online {
		r.mu.Unlock()
		return
	}
	p.Online = false
	p.LastSeen = time.Now()
	out := *p
	r.mu.Unlock()
	r.notify(Event{Type: "update", Peer: out})
}

// MarkAllOffline flips every online peer to offline. Used when going
// offline ourselves.
func (r *Roster) MarkAllOffline() {
	r.mu.Lock()
	var changed []Peer
	now := time.Now()
	for _, p := range r.peers {
		if p.Online {
			p.Online = false
			p.LastSeen = now
			changed = append(changed, *p)
		}
	}
	r.mu.Unlock()
	for _, p := range changed {
		r.notify(Event{Type: "update", Peer: p})
	}
}

// SweepStale marks online peers offline when they have not been seen
// since cutoff. Entries are never removed.
func (r *Roster) SweepStale(cutoff time.Time) {
	r.mu.Lock()
	var changed []Peer
	for _, p := range r.peers {
		if p.Online && p.LastSeen.Before(cutoff) {
			p.Online = false
			changed = append(changed, *p)
		}
	}
	r.mu.Unlock()
	for _, p := range changed {
		log.Printf("ROSTER: %s went stale", p.SessionID)
		r.notify(Event{Type: "update", Peer: p})
	}
}

// List returns a snapshot of all peers, online first, then by username.
func (r *Roster) List() []Peer {
	r.mu.Lock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Subscribe returns a channel receiving roster events. Sends are
// non-blocking: slow consumers miss events rather than stall the roster.
func (r *Roster) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (r *Roster) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Roster) notify(evt Event) {
	r.mu.Lock()
	listeners := make([]chan Event, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
