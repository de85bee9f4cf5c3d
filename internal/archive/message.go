package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/otavioch/tandem/internal/model"
)

// UpsertMessage writes a message, idempotent on (conversation_id, msg_id).
// Re-writes refresh the mutable fields; identity and timestamp stay put.
func (db *DB) UpsertMessage(ctx context.Context, m *model.Message) error {
	delivery, _ := json.Marshal(m.DeliveryStatus)
	readBy, _ := json.Marshal(m.ReadBy)
	deletedFor, _ := json.Marshal(m.DeletedFor)
	now := time.Now().UnixMilli()

	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, message_type,
			media_url, reply_to, timestamp, delivery_status, read_by, deleted_for,
			is_deleted, is_edited, edited_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			media_url = excluded.media_url,
			delivery_status = excluded.delivery_status,
			read_by = excluded.read_by,
			deleted_for = excluded.deleted_for,
			is_deleted = excluded.is_deleted,
			is_edited = excluded.is_edited,
			edited_at = excluded.edited_at`,
		m.ConversationID, m.ID, m.SenderID, m.SenderName, m.Text, string(m.Type),
		m.MediaURL, m.ReplyTo, m.Timestamp, string(delivery), string(readBy), string(deletedFor),
		m.IsDeleted, m.IsEdited, m.EditedAt, now)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// GetMessage returns one message, or nil when unknown.
func (db *DB) GetMessage(ctx context.Context, cid, mid string) (*model.Message, error) {
	row := db.QueryRowContext(ctx, `
		SELECT conversation_id, msg_id, sender_id, sender_name, body, message_type,
			media_url, reply_to, timestamp, delivery_status, read_by, deleted_for,
			is_deleted, is_edited, edited_at
		FROM messages WHERE conversation_id = ? AND msg_id = ?`, cid, mid)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMessagesBefore pages history using keyset pagination by timestamp,
// newest first. Callers reverse to chronological order.
func (db *DB) ListMessagesBefore(ctx context.Context, cid string, beforeTs int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id, msg_id, sender_id, sender_name, body, message_type,
			media_url, reply_to, timestamp, delivery_status, read_by, deleted_for,
			is_deleted, is_edited, edited_at
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, cid, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// AddDeletedFor adds uid to the message's deleted-for set, idempotent.
// Read-modify-write inside one transaction.
func (db *DB) AddDeletedFor(ctx context.Context, cid, mid, uid string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `
		SELECT deleted_for FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		cid, mid).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("message %s/%s: %w", cid, mid, model.ErrNotFound)
	}
	if err != nil {
		return err
	}

	deletedFor := map[string]bool{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &deletedFor); err != nil {
			return fmt.Errorf("decode deleted_for: %w", err)
		}
	}
	if deletedFor[uid] {
		return nil // already deleted for this member
	}
	deletedFor[uid] = true
	updated, _ := json.Marshal(deletedFor)

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET deleted_for = ? WHERE conversation_id = ? AND msg_id = ?`,
		string(updated), cid, mid); err != nil {
		return err
	}
	return tx.Commit()
}

// SetMessageText rewrites a message body for an edit.
func (db *DB) SetMessageText(ctx context.Context, cid, mid, text string, editedAt int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET body = ?, is_edited = 1, edited_at = ?
		WHERE conversation_id = ? AND msg_id = ?`, text, editedAt, cid, mid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s/%s: %w", cid, mid, model.ErrNotFound)
	}
	return nil
}

func scanMessage(r rowScanner) (*model.Message, error) {
	var m model.Message
	var typ, delivery, readBy, deletedFor string
	if err := r.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.SenderName, &m.Text, &typ,
		&m.MediaURL, &m.ReplyTo, &m.Timestamp, &delivery, &readBy, &deletedFor,
		&m.IsDeleted, &m.IsEdited, &m.EditedAt); err != nil {
		return nil, err
	}
	m.Type = model.MessageType(typ)
	if delivery != "" && delivery != "null" {
		if err := json.Unmarshal([]byte(delivery), &m.DeliveryStatus); err != nil {
			return nil, fmt.Errorf("decode delivery_status: %w", err)
		}
	}
	if readBy != "" && readBy != "null" {
		if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
			return nil, fmt.Errorf("decode read_by: %w", err)
		}
	}
	if deletedFor != "" && deletedFor != "null" {
		if err := json.Unmarshal([]byte(deletedFor), &m.DeletedFor); err != nil {
			return nil, fmt.Errorf("decode deleted_for: %w", err)
		}
	}
	return &m, nil
}
