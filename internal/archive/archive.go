// Package archive is the durable, queryable half of the dual-store
// engine: unbounded message history and conversation metadata. The
// SQLite implementation lives here; mongoarchive provides the same
// contract on MongoDB.
package archive

import (
	"context"

	"github.com/otavioch/tandem/internal/model"
)

// Store is the archive contract. Lookups return (nil, nil) for missing
// records; callers translate to model.ErrNotFound where it matters.
type Store interface {
	// CreateConversation persists a new conversation and its member set.
	CreateConversation(ctx context.Context, c *model.Conversation) error

	// GetConversation returns a conversation by id, or nil when unknown.
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)

	// ConversationsWithMember returns every conversation containing uid.
	// Exact member-set matching is the caller's job; the store can only
	// filter on containment.
	ConversationsWithMember(ctx context.Context, uid string) ([]model.Conversation, error)

	// UpdateLastMessage refreshes the denormalized preview.
	UpdateLastMessage(ctx context.Context, cid string, lm *model.LastMessage) error

	// UpsertMessage writes a message, idempotent on (conversation, id).
	UpsertMessage(ctx context.Context, m *model.Message) error

	// GetMessage returns one message, or nil when unknown.
	GetMessage(ctx context.Context, cid, mid string) (*model.Message, error)

	// ListMessagesBefore pages history strictly before beforeTs, newest
	// first, at most limit rows.
	ListMessagesBefore(ctx context.Context, cid string, beforeTs int64, limit int) ([]model.Message, error)

	// AddDeletedFor adds uid to a message's deleted-for set (idempotent).
	AddDeletedFor(ctx context.Context, cid, mid, uid string) error

	// SetMessageText rewrites a message body for an edit.
	SetMessageText(ctx context.Context, cid, mid, text string, editedAt int64) error

	Close() error
}
