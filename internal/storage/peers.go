package storage

import (
	"time"

	"github.com/petervdpas/lanlink/internal/roster"
)

// SavePeer stores or replaces the last known state for a peer. Online
// state is deliberately not persisted: a restarted node knows nothing
// about who is reachable until discovery says so.
func (d *DB) SavePeer(p roster.Peer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO peers (session_id, device_id, device_name, username, ip, avatar_url, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			device_id   = CASE WHEN excluded.device_id = '' THEN peers.device_id ELSE excluded.device_id END,
			device_name = CASE WHEN excluded.device_name = '' THEN peers.device_name ELSE excluded.device_name END,
			username    = excluded.username,
			ip          = CASE WHEN excluded.ip = '' THEN peers.ip ELSE excluded.ip END,
			avatar_url  = excluded.avatar_url,
			last_seen   = excluded.last_seen`,
		p.SessionID, p.DeviceID, p.DeviceName, p.Username, p.IP, p.AvatarURL,
		p.LastSeen.UnixMilli(),
	)
	return err
}

// DeletePeer removes a persisted peer entirely. Only used when a peer
// is re-keyed to a new session id.
func (d *DB) DeletePeer(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM peers WHERE session_id = ?`, sessionID)
	return err
}

// Peers returns all persisted peers, most recently seen first. Entries
// come back offline; presence decides who is actually reachable.
func (d *DB) Peers() ([]roster.Peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT session_id, device_id, device_name, username, ip, avatar_url, last_seen
		FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []roster.Peer
	for rows.Next() {
		var p roster.Peer
		var lastSeen int64
		if err := rows.Scan(&p.SessionID, &p.DeviceID, &p.DeviceName,
			&p.Username, &p.IP, &p.AvatarURL, &lastSeen); err != nil {
			return nil, err
		}
		p.LastSeen = time.UnixMilli(lastSeen)
		p.Online = false
		out = append(out, p)
	}
	return out, rows.Err()
}
