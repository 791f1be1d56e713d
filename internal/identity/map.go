// Package identity resolves addressing between the three identifier
// spaces a peer is known by: the session id chosen at profile creation,
// the transport connection handle, and the observed network address.
//
// Discovery and messaging learn a peer's identity in different orders:
// discovery knows an advertised name and IP, the transport knows only a
// socket-level handle, and only the join envelope carries the
// authoritative session id. The map is therefore reconciled
// incrementally and the same peer may be re-keyed several times as
// better information arrives.
package identity

import (
	"log"
	"sync"

	"github.com/petervdpas/lanlink/internal/util"
)

// Map holds three co-maintained lookup tables behind one lock. The
// tables are derived state: all mutation goes through the operations
// below so forward and reverse entries never disagree.
type Map struct {
	mu sync.Mutex

	conns    map[string]string // session id -> connection handle
	sessions map[string]string // connection handle -> session id
	ips      map[string]string // ip -> session id

	// confirmed marks session ids that arrived in a join envelope.
	// A confirmed mapping is never displaced by an address-only hint.
	confirmed map[string]bool
}

func NewMap() *Map {
	return &Map{
		conns:     map[string]string{},
		sessions:  map[string]string{},
		ips:       map[string]string{},
		confirmed: map[string]bool{},
	}
}

// RegisterConnection records that sessionID is reachable on handle.
// The old reverse entry for this session's previous handle, if any, is
// removed first so the reverse table never holds a stale pointer.
// ip, when non-empty and valid, is recorded as a correlation hint.
func (m *Map) RegisterConnection(sessionID, handle, ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.register(sessionID, handle)
	if util.ValidIP(ip) {
		m.ips[ip] = sessionID
	}
}

// register links sessionID and handle in both directions. Caller holds the lock.
func (m *Map) register(sessionID, handle string) {
	if old, ok := m.conns[sessionID]; ok && old != handle {
		if m.sessions[old] == sessionID {
			delete(m.sessions, old)
		}
	}
	if displaced, ok := m.sessions[handle]; ok && displaced != sessionID {
		if m.conns[displaced] == handle {
			delete(m.conns, displaced)
		}
	}
	m.conns[sessionID] = handle
	m.sessions[handle] = sessionID
}

// ReconcileFromEnvelope is called when an inbound envelope reveals a
// peer's true session id together with its observed ip and, optionally,
// the connection handle it arrived on. It also re-keys any connection
// whose embedded address matches ip: connections accepted before the
// join arrived are keyed only by raw socket address, and this is the
// moment their owner becomes known.
//
// Idempotent and re-entrant: it may run several times for the same peer
// and never regresses a confirmed mapping.
func (m *Map) ReconcileFromEnvelope(sessionID, ip, handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.confirmed[sessionID] = true
	if util.ValidIP(ip) {
		m.ips[ip] = sessionID
	}
	if handle != "" {
		m.register(sessionID, handle)
	}

	if !util.ValidIP(ip) {
		return
	}
	for h, sid := range m.sessions {
		if sid == sessionID || util.HostOf(h) != ip {
			continue
		}
		// A different session id already owns a handle at this address.
		// Re-key only provisional entries; a confirmed session id is
		// better information than an address match (NAT can share IPs).
		if m.confirmed[sid] {
			continue
		}
		log.Printf("IDENTITY: re-keyed %s -> %s", h, sessionID)
		if m.conns[sid] == h {
			delete(m.conns, sid)
		}
		m.sessions[h] = sessionID
		m.conns[sessionID] = h
	}
}

// ResolveConnection returns the connection handle for a session id.
// Absence is not an error: the sender falls back to broadcast.
func (m *Map) ResolveConnection(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.conns[sessionID]
	return h, ok
}

// ResolveSession returns the session id that owns a connection handle.
// Absence means inbound data on this handle cannot be attributed yet.
func (m *Map) ResolveSession(handle string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.sessions[handle]
	return sid, ok
}

// SessionForIP returns the session id last seen at ip.
func (m *Map) SessionForIP(ip string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.ips[ip]
	return sid, ok
}

// Remove deletes all entries for a session id. Idempotent.
func (m *Map) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.conns[sessionID]; ok {
		if m.sessions[h] == sessionID {
			delete(m.sessions, h)
		}
		delete(m.conns, sessionID)
	}
	for ip, sid := range m.ips {
		if sid == sessionID {
			delete(m.ips, ip)
		}
	}
	delete(m.confirmed, sessionID)
}

// RemoveHandle drops the mapping for a closed connection handle,
// leaving ip hints in place for reconnection.
func (m *Map) RemoveHandle(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sid, ok := m.sessions[handle]; ok {
		if m.conns[sid] == handle {
			delete(m.conns, sid)
		}
		delete(m.sessions, handle)
	}
}

// Clear drops all mappings. Used on full presence reset.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns = map[string]string{}
	m.sessions = map[string]string{}
	m.ips = map[string]string{}
	m.confirmed = map[string]bool{}
}
