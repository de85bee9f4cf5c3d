package archive

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/otavioch/tandem/internal/model"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	res, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Error("second Migrate should be a no-op")
	}
}

func TestConversationRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	c := &model.Conversation{
		ID: "c1", Type: model.Group, Name: "team",
		MemberIDs: []string{"a", "b", "c"},
		MemberDetails: map[string]model.MemberDetail{
			"a": {DisplayName: "Alice", JoinedAt: 100},
		},
		CreatedAt: 100, CreatedBy: "a",
	}
	if err := db.CreateConversation(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("conversation not found after create")
	}
	if got.Type != model.Group || got.Name != "team" || got.CreatedBy != "a" {
		t.Errorf("conversation = %+v", got)
	}
	if len(got.MemberIDs) != 3 {
		t.Errorf("members = %v, want 3", got.MemberIDs)
	}
	if got.MemberDetails["a"].DisplayName != "Alice" {
		t.Errorf("member details = %+v", got.MemberDetails)
	}

	missing, err := db.GetConversation(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for unknown conversation")
	}
}

func TestConversationsWithMember(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_ = db.CreateConversation(ctx, &model.Conversation{
		ID: "c1", Type: model.Direct, MemberIDs: []string{"a", "b"}, CreatedAt: 1, CreatedBy: "a",
	})
	_ = db.CreateConversation(ctx, &model.Conversation{
		ID: "c2", Type: model.Direct, MemberIDs: []string{"a", "c"}, CreatedAt: 2, CreatedBy: "a",
	})
	_ = db.CreateConversation(ctx, &model.Conversation{
		ID: "c3", Type: model.Direct, MemberIDs: []string{"b", "c"}, CreatedAt: 3, CreatedBy: "b",
	})

	convs, err := db.ConversationsWithMember(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	for _, c := range convs {
		if !c.HasMember("a") {
			t.Errorf("conversation %s missing member a: %v", c.ID, c.MemberIDs)
		}
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := &model.Message{
		ID: "m1", ConversationID: "c1", SenderID: "a", Text: "v1",
		Type: model.TypeText, Timestamp: 1000,
	}
	if err := db.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.Text = "v2"
	if err := db.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessagesBefore(ctx, "c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(msgs))
	}
	if msgs[0].Text != "v2" {
		t.Errorf("body = %q, want v2 (updated)", msgs[0].Text)
	}
}

func TestListMessagesBeforeKeysetPaging(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		_ = db.UpsertMessage(ctx, &model.Message{
			ID: string(rune('a' + i)), ConversationID: "c1", SenderID: "a",
			Text: "msg", Type: model.TypeText, Timestamp: i * 1000,
		})
	}

	// Page strictly before ts=4000, limit 2: newest first.
	msgs, err := db.ListMessagesBefore(ctx, "c1", 4000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Timestamp != 3000 || msgs[1].Timestamp != 2000 {
		t.Errorf("timestamps = %d, %d, want 3000, 2000", msgs[0].Timestamp, msgs[1].Timestamp)
	}

	// Before the oldest message: empty page, end of history.
	msgs, err = db.ListMessagesBefore(ctx, "c1", 1000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages before the beginning of history, want 0", len(msgs))
	}
}

func TestAddDeletedForIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_ = db.UpsertMessage(ctx, &model.Message{
		ID: "m1", ConversationID: "c1", SenderID: "a", Text: "x",
		Type: model.TypeText, Timestamp: 1000,
	})

	if err := db.AddDeletedFor(ctx, "c1", "m1", "u"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddDeletedFor(ctx, "c1", "m1", "u"); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage(ctx, "c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.DeletedFor) != 1 || !m.DeletedFor["u"] {
		t.Errorf("deletedFor = %v, want exactly {u}", m.DeletedFor)
	}

	if err := db.AddDeletedFor(ctx, "c1", "missing", "u"); err == nil {
		t.Error("expected error for unknown message")
	}
}

func TestSetMessageText(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_ = db.UpsertMessage(ctx, &model.Message{
		ID: "m1", ConversationID: "c1", SenderID: "a", Text: "before",
		Type: model.TypeText, Timestamp: 1000,
	})

	if err := db.SetMessageText(ctx, "c1", "m1", "after", 2000); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage(ctx, "c1", "m1")
	if m.Text != "after" || !m.IsEdited || m.EditedAt != 2000 {
		t.Errorf("edited message = %+v", m)
	}
}

func TestUpdateLastMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_ = db.CreateConversation(ctx, &model.Conversation{
		ID: "c1", Type: model.Direct, MemberIDs: []string{"a", "b"}, CreatedAt: 1, CreatedBy: "a",
	})
	lm := &model.LastMessage{Text: "latest", SenderID: "b", Timestamp: 900, Type: model.TypeText}
	if err := db.UpdateLastMessage(ctx, "c1", lm); err != nil {
		t.Fatal(err)
	}

	c, _ := db.GetConversation(ctx, "c1")
	if c.LastMessage == nil || c.LastMessage.Text != "latest" || c.LastMessage.SenderID != "b" {
		t.Errorf("lastMessage = %+v", c.LastMessage)
	}
}
