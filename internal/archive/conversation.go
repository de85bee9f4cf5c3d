package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/otavioch/tandem/internal/model"
)

// CreateConversation persists the conversation row and one member row per
// participant in a single transaction.
func (db *DB) CreateConversation(ctx context.Context, c *model.Conversation) error {
	details, err := json.Marshal(c.MemberDetails)
	if err != nil {
		return fmt.Errorf("encode member details: %w", err)
	}
	var lastMsg []byte
	if c.LastMessage != nil {
		lastMsg, _ = json.Marshal(c.LastMessage)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, conv_type, name, member_details, last_message, created_at, created_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Type), c.Name, string(details), nullable(lastMsg), c.CreatedAt, c.CreatedBy, now); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, uid := range c.MemberIDs {
		joined := c.CreatedAt
		if d, ok := c.MemberDetails[uid]; ok && d.JoinedAt > 0 {
			joined = d.JoinedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)
			ON CONFLICT(conversation_id, user_id) DO NOTHING`,
			c.ID, uid, joined); err != nil {
			return fmt.Errorf("insert member %s: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by id, or nil when unknown.
func (db *DB) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, conv_type, name, member_details, last_message, created_at, created_by
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadMembers(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ConversationsWithMember returns every conversation containing uid,
// newest first by creation time.
func (db *DB) ConversationsWithMember(ctx context.Context, uid string) ([]model.Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.conv_type, c.name, c.member_details, c.last_message, c.created_at, c.created_by
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id
		WHERE m.user_id = ?
		ORDER BY c.created_at DESC`, uid)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range convs {
		if err := db.loadMembers(ctx, &convs[i]); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// UpdateLastMessage refreshes the denormalized preview.
func (db *DB) UpdateLastMessage(ctx context.Context, cid string, lm *model.LastMessage) error {
	b, err := json.Marshal(lm)
	if err != nil {
		return fmt.Errorf("encode last message: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		UPDATE conversations SET last_message = ?, updated_at = ? WHERE id = ?`,
		string(b), time.Now().UnixMilli(), cid)
	return err
}

func (db *DB) loadMembers(ctx context.Context, c *model.Conversation) error {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id`, c.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	c.MemberIDs = c.MemberIDs[:0]
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return err
		}
		c.MemberIDs = append(c.MemberIDs, uid)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*model.Conversation, error) {
	var c model.Conversation
	var typ, details string
	var lastMsg sql.NullString
	if err := r.Scan(&c.ID, &typ, &c.Name, &details, &lastMsg, &c.CreatedAt, &c.CreatedBy); err != nil {
		return nil, err
	}
	c.Type = model.ConversationType(typ)
	if details != "" {
		if err := json.Unmarshal([]byte(details), &c.MemberDetails); err != nil {
			return nil, fmt.Errorf("decode member details: %w", err)
		}
	}
	if lastMsg.Valid && lastMsg.String != "" {
		var lm model.LastMessage
		if err := json.Unmarshal([]byte(lastMsg.String), &lm); err != nil {
			return nil, fmt.Errorf("decode last message: %w", err)
		}
		c.LastMessage = &lm
	}
	return &c, nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
