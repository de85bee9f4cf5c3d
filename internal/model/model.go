package model

import (
	"encoding/json"
	"slices"
)

// MessageType distinguishes message content kinds.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeVideo  MessageType = "video"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// DeliveryState is the per-member delivery status of a message.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// DeliveryMark is one member's delivery state plus when it was stamped.
type DeliveryMark struct {
	State DeliveryState `json:"state"`
	At    int64         `json:"at"`
}

// Message is one chat message. The same shape is written to both stores;
// the live copy ages out of the bounded window, the archive copy is forever.
type Message struct {
	ID             string      `json:"id" bson:"msg_id"`
	ConversationID string      `json:"conversationId" bson:"conversation_id"`
	SenderID       string      `json:"senderId" bson:"sender_id"`
	SenderName     string      `json:"senderName" bson:"sender_name"`
	Text           string      `json:"text" bson:"text"`
	Type           MessageType `json:"type" bson:"type"`
	MediaURL       string      `json:"mediaUrl,omitempty" bson:"media_url,omitempty"`
	ReplyTo        string      `json:"replyToMessageId,omitempty" bson:"reply_to,omitempty"`

	// Timestamp is server-assigned, unix milliseconds, monotonic per
	// conversation by convention only.
	Timestamp int64 `json:"timestamp" bson:"timestamp"`

	DeliveryStatus map[string]DeliveryMark `json:"deliveryStatus,omitempty" bson:"delivery_status,omitempty"`
	ReadBy         map[string]int64        `json:"readBy,omitempty" bson:"read_by,omitempty"`

	// DeletedFor is the set of member ids who soft-deleted this message.
	// The message stays intact for everyone else.
	DeletedFor map[string]bool `json:"deletedFor,omitempty" bson:"deleted_for,omitempty"`
	IsDeleted  bool            `json:"isDeleted,omitempty" bson:"is_deleted,omitempty"`
	IsEdited   bool            `json:"isEdited,omitempty" bson:"is_edited,omitempty"`
	EditedAt   int64           `json:"editedAt,omitempty" bson:"edited_at,omitempty"`
}

// VisibleTo reports whether member uid may observe the message.
func (m *Message) VisibleTo(uid string) bool {
	if m.IsDeleted {
		return false
	}
	return !m.DeletedFor[uid]
}

// DeleteFor adds uid to the deleted-for set. Returns false if uid was
// already present (idempotent).
func (m *Message) DeleteFor(uid string) bool {
	if m.DeletedFor[uid] {
		return false
	}
	if m.DeletedFor == nil {
		m.DeletedFor = make(map[string]bool, 1)
	}
	m.DeletedFor[uid] = true
	return true
}

// Preview returns the denormalized last-message preview for this message.
func (m *Message) Preview() *LastMessage {
	return &LastMessage{
		Text:      m.Text,
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp,
		Type:      m.Type,
	}
}

// EncodeMessage marshals a message for a live channel value.
func EncodeMessage(m *Message) []byte {
	b, _ := json.Marshal(m)
	return b
}

// DecodeMessage unmarshals a live channel value into a message.
func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ConversationType distinguishes direct (2-member) from group (3+) threads.
type ConversationType string

const (
	Direct ConversationType = "direct"
	Group  ConversationType = "group"
)

// MemberDetail is a per-member display snapshot taken at join time.
// It may go stale; the directory is the authority.
type MemberDetail struct {
	DisplayName string `json:"displayName" bson:"display_name"`
	PhotoURL    string `json:"photoUrl,omitempty" bson:"photo_url,omitempty"`
	JoinedAt    int64  `json:"joinedAt" bson:"joined_at"`
}

// LastMessage is the denormalized preview stored on the conversation.
// Eventually consistent with the true last message.
type LastMessage struct {
	Text      string      `json:"text" bson:"text"`
	SenderID  string      `json:"senderId" bson:"sender_id"`
	Timestamp int64       `json:"timestamp" bson:"timestamp"`
	Type      MessageType `json:"type" bson:"type"`
}

// Conversation is a direct or group thread. Never deleted; members hide
// it for themselves instead.
type Conversation struct {
	ID            string                  `json:"id" bson:"_id"`
	Type          ConversationType        `json:"type" bson:"type"`
	Name          string                  `json:"name,omitempty" bson:"name,omitempty"`
	MemberIDs     []string                `json:"memberIds" bson:"member_ids"`
	MemberDetails map[string]MemberDetail `json:"memberDetails,omitempty" bson:"member_details,omitempty"`
	LastMessage   *LastMessage            `json:"lastMessage,omitempty" bson:"last_message,omitempty"`
	CreatedAt     int64                   `json:"createdAt" bson:"created_at"`
	CreatedBy     string                  `json:"createdBy" bson:"created_by"`
}

// HasMember reports whether uid is a member of the conversation.
func (c *Conversation) HasMember(uid string) bool {
	return slices.Contains(c.MemberIDs, uid)
}

// SameMembers compares two member-id sets ignoring order and duplicates.
// Conversation equality is defined over the sorted member-id set.
func SameMembers(a, b []string) bool {
	as := normalizeMembers(a)
	bs := normalizeMembers(b)
	return slices.Equal(as, bs)
}

func normalizeMembers(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// ConversationStatus is the per-(user, conversation) state owned by that
// user. The unread counter lives at its own live channel leaf so it can
// ride the store's atomic increment; it is not part of this document.
type ConversationStatus struct {
	LastReadMessageID string `json:"lastReadMessageId,omitempty"`
	LastReadTimestamp int64  `json:"lastReadTimestamp,omitempty"`
	IsPinned          bool   `json:"isPinned,omitempty"`
	IsMuted           bool   `json:"isMuted,omitempty"`

	// IsHidden is private to the user and never affects other members.
	IsHidden bool `json:"isHidden,omitempty"`
}

// EncodeStatus marshals a conversation status document.
func EncodeStatus(s *ConversationStatus) []byte {
	b, _ := json.Marshal(s)
	return b
}

// DecodeStatus unmarshals a conversation status document.
func DecodeStatus(b []byte) (*ConversationStatus, error) {
	var s ConversationStatus
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
