package storage

import (
	"database/sql"
	"fmt"

	"github.com/petervdpas/lanlink/internal/proto"
)

// SaveMessage stores or replaces a message.
func (d *DB) SaveMessage(m *proto.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO messages (id, sender_id, receiver_id, content, timestamp, status, type)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content   = excluded.content,
			timestamp = excluded.timestamp,
			status    = excluded.status`,
		m.ID, m.SenderID, m.ReceiverID, m.Content, m.Timestamp, string(m.Status), m.Type,
	)
	return err
}

// Messages returns the conversation between two peers, oldest first.
func (d *DB) Messages(peerA, peerB string) ([]*proto.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, sender_id, receiver_id, content, timestamp, status, type
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?)
		   OR (sender_id = ? AND receiver_id = ?)
		ORDER BY timestamp ASC`,
		peerA, peerB, peerB, peerA)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*proto.Message
	for rows.Next() {
		var m proto.Message
		var status string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content,
			&m.Timestamp, &status, &m.Type); err != nil {
			return nil, err
		}
		m.Status = proto.MessageStatus(status)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UpdateMessageStatus advances a message's delivery status. The order
// sending < sent < delivered < seen is total and transitions are
// monotonic: an update that would move the status backward is ignored,
// not an error (a late "delivered" must not undo "seen").
func (d *DB) UpdateMessageStatus(messageID string, status proto.MessageStatus) error {
	if status.Rank() < 0 {
		return fmt.Errorf("unknown message status %q", status)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var current string
	err := d.db.QueryRow(`SELECT status FROM messages WHERE id = ?`, messageID).Scan(&current)
	if err == sql.ErrNoRows {
		return nil // receipt for a message we never stored; tolerated
	}
	if err != nil {
		return err
	}
	if !status.Supersedes(proto.MessageStatus(current)) {
		return nil
	}
	_, err = d.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(status), messageID)
	return err
}
