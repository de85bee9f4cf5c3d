// Package coordinator implements the write path of the dual-store
// engine: dual-write of new messages, conversation creation, unread
// fan-out, and per-user soft deletion. The live channel write is the
// durability boundary callers wait on; everything behind it is
// best-effort.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/otavioch/tandem/internal/archive"
	"github.com/otavioch/tandem/internal/bus"
	"github.com/otavioch/tandem/internal/live"
	"github.com/otavioch/tandem/internal/model"
)

// Coordinator orchestrates dual-store writes.
type Coordinator struct {
	live   live.Store
	arch   archive.Store
	queue  *Queue
	bus    *bus.Bus
	dir    Directory
	logger *zap.Logger
	now    func() int64
}

// New creates a coordinator. The queue must be started by the caller.
func New(l live.Store, a archive.Store, q *Queue, b *bus.Bus, dir Directory, logger *zap.Logger) *Coordinator {
	if dir == nil {
		dir = NewStaticDirectory(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		live:   l,
		arch:   a,
		queue:  q,
		bus:    b,
		dir:    dir,
		logger: logger,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// SendInput is the caller-supplied part of a new message. Text validity
// (non-empty after trimming) is the caller layer's policy, not re-checked
// here.
type SendInput struct {
	Text       string
	Type       model.MessageType
	ReplyTo    string
	MediaURL   string
	SenderName string
}

// SendMessage writes a message to the live channel (awaited), fans out
// unread increments, clears the author's typing indicator, and enqueues
// the archive copy. Returns the generated message id.
//
// Only the live write can fail the call; every later step degrades to a
// logged warning so a flaky archive never blocks delivery.
func (c *Coordinator) SendMessage(ctx context.Context, cid, authorID string, in SendInput) (string, error) {
	if authorID == "" {
		return "", model.ErrUnauthenticated
	}
	conv, err := c.arch.GetConversation(ctx, cid)
	if err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}
	if conv == nil {
		return "", fmt.Errorf("conversation %s: %w", cid, model.ErrNotFound)
	}
	if !conv.HasMember(authorID) {
		return "", fmt.Errorf("sender %s not a member of %s: %w", authorID, cid, model.ErrPermissionDenied)
	}

	typ := in.Type
	if typ == "" {
		typ = model.TypeText
	}
	senderName := in.SenderName
	if senderName == "" {
		if d, ok := conv.MemberDetails[authorID]; ok {
			senderName = d.DisplayName
		} else {
			senderName = authorID
		}
	}

	ts := c.now()
	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: cid,
		SenderID:       authorID,
		SenderName:     senderName,
		Text:           in.Text,
		Type:           typ,
		MediaURL:       in.MediaURL,
		ReplyTo:        in.ReplyTo,
		Timestamp:      ts,
		DeliveryStatus: make(map[string]model.DeliveryMark, len(conv.MemberIDs)-1),
	}
	for _, uid := range conv.MemberIDs {
		if uid == authorID {
			continue // sender is implicitly delivered
		}
		msg.DeliveryStatus[uid] = model.DeliveryMark{State: model.DeliveryPending, At: ts}
	}

	// Durability boundary: the caller waits on this write and nothing else.
	if err := c.live.Set(ctx, live.MessagePath(cid, msg.ID), model.EncodeMessage(msg)); err != nil {
		return "", fmt.Errorf("live write: %w", err)
	}

	// Independent atomic increments; partial failure is logged, not rolled back.
	for _, uid := range conv.MemberIDs {
		if uid == authorID {
			continue
		}
		if _, err := c.live.Incr(ctx, live.UnreadPath(uid, cid), 1); err != nil {
			c.logger.Warn("unread increment failed",
				zap.Error(err), zap.String("user", uid), zap.String("conversation", cid))
		}
	}

	if err := c.live.Delete(ctx, live.TypingPath(cid, authorID)); err != nil {
		c.logger.Warn("typing clear failed", zap.Error(err), zap.String("conversation", cid))
	}

	archived := *msg
	c.queue.Enqueue("archive message "+msg.ID, func(ctx context.Context) error {
		if err := c.arch.UpsertMessage(ctx, &archived); err != nil {
			return err
		}
		return c.arch.UpdateLastMessage(ctx, cid, archived.Preview())
	})

	c.fanOutMentions(conv, msg)

	if c.bus != nil {
		c.bus.Emit(bus.KindMessageSent, &bus.MessagePosted{
			ConversationID: cid,
			MessageID:      msg.ID,
			SenderID:       authorID,
			SenderName:     senderName,
			Text:           in.Text,
			MemberIDs:      conv.MemberIDs,
			IsGroup:        conv.Type == model.Group,
		})
	}
	return msg.ID, nil
}

// CreateConversation writes the conversation to the archive, then one
// membership marker and one zeroed status document per member into the
// live channel. Per-member writes are separate on purpose: the store-side
// authorization model only lets each member's namespace be written alone.
func (c *Coordinator) CreateConversation(ctx context.Context, typ model.ConversationType, name string, memberIDs []string, createdBy string) (string, error) {
	if createdBy == "" {
		return "", model.ErrUnauthenticated
	}
	switch typ {
	case model.Direct:
		if len(memberIDs) != 2 {
			return "", fmt.Errorf("direct conversation needs exactly 2 members, got %d", len(memberIDs))
		}
	case model.Group:
		if len(memberIDs) < 3 {
			return "", fmt.Errorf("group conversation needs at least 3 members, got %d", len(memberIDs))
		}
	default:
		return "", fmt.Errorf("unknown conversation type %q", typ)
	}

	now := c.now()
	details := make(map[string]model.MemberDetail, len(memberIDs))
	for _, uid := range memberIDs {
		d, err := c.dir.Lookup(ctx, uid)
		if err != nil {
			c.logger.Warn("member lookup failed", zap.Error(err), zap.String("user", uid))
			d = model.MemberDetail{DisplayName: uid}
		}
		d.JoinedAt = now
		details[uid] = d
	}

	conv := &model.Conversation{
		ID:            uuid.NewString(),
		Type:          typ,
		Name:          name,
		MemberIDs:     memberIDs,
		MemberDetails: details,
		CreatedAt:     now,
		CreatedBy:     createdBy,
	}
	if err := c.arch.CreateConversation(ctx, conv); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	for _, uid := range memberIDs {
		if err := c.live.Set(ctx, live.MemberPath(conv.ID, uid), []byte("true")); err != nil {
			c.logger.Warn("membership marker write failed",
				zap.Error(err), zap.String("user", uid), zap.String("conversation", conv.ID))
		}
		if err := c.live.Set(ctx, live.UserConversationPath(uid, conv.ID), model.EncodeStatus(&model.ConversationStatus{})); err != nil {
			c.logger.Warn("status init failed",
				zap.Error(err), zap.String("user", uid), zap.String("conversation", conv.ID))
		}
		if err := c.live.Set(ctx, live.UnreadPath(uid, conv.ID), live.FormatCounter(0)); err != nil {
			c.logger.Warn("unread init failed",
				zap.Error(err), zap.String("user", uid), zap.String("conversation", conv.ID))
		}
	}
	return conv.ID, nil
}

// CreateConversationAndSendMessage composes creation and first send. Not
// transactional across stores: a failed send leaves an empty
// conversation behind, which is benign.
func (c *Coordinator) CreateConversationAndSendMessage(ctx context.Context, typ model.ConversationType, name string, memberIDs []string, createdBy string, in SendInput) (cid, mid string, err error) {
	cid, err = c.CreateConversation(ctx, typ, name, memberIDs, createdBy)
	if err != nil {
		return "", "", err
	}
	mid, err = c.SendMessage(ctx, cid, createdBy, in)
	if err != nil {
		return cid, "", err
	}
	return cid, mid, nil
}

// FindConversationByParticipants returns the first conversation whose
// member set exactly matches memberIDs, or nil. The store can only
// filter on "contains caller", so the exact match happens here. Two
// concurrent creators can still race past this check; the duplicate is
// documented, not prevented.
func (c *Coordinator) FindConversationByParticipants(ctx context.Context, callerID string, memberIDs []string) (*model.Conversation, error) {
	if callerID == "" {
		return nil, model.ErrUnauthenticated
	}
	convs, err := c.arch.ConversationsWithMember(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	for i := range convs {
		if model.SameMembers(convs[i].MemberIDs, memberIDs) {
			return &convs[i], nil
		}
	}
	return nil, nil
}

// EditMessage rewrites a message body. Only the sender may edit. The
// live copy is updated synchronously when still inside the window; the
// archive copy rides the queue.
func (c *Coordinator) EditMessage(ctx context.Context, cid, mid, editorID, text string) error {
	if editorID == "" {
		return model.ErrUnauthenticated
	}

	ts := c.now()
	var senderID string
	err := c.live.Update(ctx, live.MessagePath(cid, mid), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, nil // aged out of the window; archive check below
		}
		m, err := model.DecodeMessage(cur)
		if err != nil {
			return nil, err
		}
		senderID = m.SenderID
		if m.SenderID != editorID {
			return nil, fmt.Errorf("editor %s is not the sender: %w", editorID, model.ErrPermissionDenied)
		}
		m.Text = text
		m.IsEdited = true
		m.EditedAt = ts
		return model.EncodeMessage(m), nil
	})
	if err != nil {
		return err
	}

	if senderID == "" {
		// Not in the live window; the archive is the only copy left.
		m, err := c.arch.GetMessage(ctx, cid, mid)
		if err != nil {
			return fmt.Errorf("resolve message: %w", err)
		}
		if m == nil {
			return fmt.Errorf("message %s/%s: %w", cid, mid, model.ErrNotFound)
		}
		if m.SenderID != editorID {
			return fmt.Errorf("editor %s is not the sender: %w", editorID, model.ErrPermissionDenied)
		}
		senderID = m.SenderID
	}

	c.queue.Enqueue("edit message "+mid, func(ctx context.Context) error {
		return c.arch.SetMessageText(ctx, cid, mid, text, ts)
	})

	if c.bus != nil {
		c.bus.Emit(bus.KindMessageEdited, &bus.MessagePosted{
			ConversationID: cid,
			MessageID:      mid,
			SenderID:       senderID,
			Text:           text,
		})
	}
	return nil
}
