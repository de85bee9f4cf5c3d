package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace
// prefix, e.g. "message." receives every message event.
const (
	KindMessageSent      = "message.sent"      // payload: *MessagePosted
	KindMessageMentioned = "message.mentioned" // payload: *Mention
	KindMessageEdited    = "message.edited"    // payload: *MessagePosted
	KindViewOpened       = "view.opened"       // payload: *ViewChange
	KindViewClosed       = "view.closed"       // payload: *ViewChange
	KindHealthChanged    = "health.changed"    // payload: health.StatusChange
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessagePosted is the payload for message.sent and message.edited.
type MessagePosted struct {
	ConversationID string
	MessageID      string
	SenderID       string
	SenderName     string
	Text           string
	MemberIDs      []string
	IsGroup        bool
}

// Mention is the payload for message.mentioned.
type Mention struct {
	ConversationID string
	MessageID      string
	SenderID       string
	MentionedID    string
}

// ViewChange is the payload for view.opened and view.closed. The notify
// dispatcher uses it to suppress pushes for actively viewed conversations.
type ViewChange struct {
	UserID         string
	ConversationID string
}
