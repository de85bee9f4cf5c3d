package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/otavioch/tandem/internal/archive"
	"github.com/otavioch/tandem/internal/bus"
	"github.com/otavioch/tandem/internal/live"
	"github.com/otavioch/tandem/internal/live/livemem"
	"github.com/otavioch/tandem/internal/model"
)

type env struct {
	live *livemem.Store
	arch *archive.DB
	q    *Queue
	bus  *bus.Bus
	c    *Coordinator
	ts   atomic.Int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	e := &env{
		live: livemem.New(),
		arch: db,
		q:    NewQueue(64, 2, time.Millisecond, nil, zap.NewNop()),
		bus:  bus.New(),
	}
	e.q.Start(context.Background())
	t.Cleanup(e.q.Stop)

	e.c = New(e.live, db, e.q, e.bus, NewStaticDirectory(map[string]model.MemberDetail{
		"alice": {DisplayName: "Alice"},
		"bob":   {DisplayName: "Bob"},
	}), zap.NewNop())
	// Deterministic, strictly increasing server clock.
	e.c.now = func() int64 { return e.ts.Add(1000) }
	return e
}

func (e *env) directConversation(t *testing.T, a, b string) string {
	t.Helper()
	cid, err := e.c.CreateConversation(context.Background(), model.Direct, "", []string{a, b}, a)
	if err != nil {
		t.Fatal(err)
	}
	return cid
}

func (e *env) liveMessage(t *testing.T, cid, mid string) *model.Message {
	t.Helper()
	raw, ok, err := e.live.Get(context.Background(), live.MessagePath(cid, mid))
	if err != nil || !ok {
		t.Fatalf("live message %s missing (ok=%v err=%v)", mid, ok, err)
	}
	m, err := model.DecodeMessage(raw)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestSendMessageDualWrite(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cid := e.directConversation(t, "alice", "bob")

	mid, err := e.c.SendMessage(ctx, cid, "alice", SendInput{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	// Visible in the live channel immediately after return.
	m := e.liveMessage(t, cid, mid)
	if m.Text != "hi" || m.SenderID != "alice" || m.SenderName != "Alice" {
		t.Errorf("live message = %+v", m)
	}

	// Archive copy lands once the async queue drains.
	e.q.Flush()
	archived, err := e.arch.GetMessage(ctx, cid, mid)
	if err != nil {
		t.Fatal(err)
	}
	if archived == nil || archived.Text != "hi" {
		t.Fatalf("archived message = %+v", archived)
	}

	conv, _ := e.arch.GetConversation(ctx, cid)
	if conv.LastMessage == nil || conv.LastMessage.Text != "hi" || conv.LastMessage.SenderID != "alice" {
		t.Errorf("lastMessage preview = %+v", conv.LastMessage)
	}
}

func TestSendMessageDeliverySeededForOthersOnly(t *testing.T) {
	e := newEnv(t)
	cid := e.directConversation(t, "alice", "bob")

	mid, err := e.c.SendMessage(context.Background(), cid, "alice", SendInput{Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	m := e.liveMessage(t, cid, mid)
	if _, ok := m.DeliveryStatus["alice"]; ok {
		t.Error("sender must be implicitly delivered, not pending")
	}
	mark, ok := m.DeliveryStatus["bob"]
	if !ok || mark.State != model.DeliveryPending {
		t.Errorf("bob's delivery mark = %+v, %v", mark, ok)
	}
}

func TestSendMessageUnreadFanOut(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cid := e.directConversation(t, "alice", "bob")

	unread := func(uid string) int64 {
		raw, _, _ := e.live.Get(ctx, live.UnreadPath(uid, cid))
		return live.ParseCounter(raw)
	}

	if _, err := e.c.SendMessage(ctx, cid, "alice", SendInput{Text: "one"}); err != nil {
		t.Fatal(err)
	}
	if got := unread("bob"); got != 1 {
		t.Errorf("bob unread = %d, want 1", got)
	}
	if got := unread("alice"); got != 0 {
		t.Errorf("alice unread = %d, want 0 (sender never increments)", got)
	}

	if _, err := e.c.SendMessage(ctx, cid, "alice", SendInput{Text: "two"}); err != nil {
		t.Fatal(err)
	}
	if got := unread("bob"); got != 2 {
		t.Errorf("bob unread = %d, want 2 (strictly +1 per message)", got)
	}
}

func TestSendMessageClearsAuthorTyping(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cid := e.directConversation(t, "alice", "bob")

	_ = e.live.Set(ctx, live.TypingPath(cid, "alice"), live.FormatCounter(123))
	if _, err := e.c.SendMessage(ctx, cid, "alice", SendInput{Text: "done typing"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := e.live.Exists(ctx, live.TypingPath(cid, "alice")); ok {
		t.Error("author typing indicator survived send")
	}
}

func TestSendMessageErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cid := e.directConversation(t, "alice", "bob")

	if _, err := e.c.SendMessage(ctx, cid, "", SendInput{Text: "x"}); !errors.Is(err, model.ErrUnauthenticated) {
		t.Errorf("empty author: %v, want ErrUnauthenticated", err)
	}
	if _, err := e.c.SendMessage(ctx, "missing", "alice", SendInput{Text: "x"}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown conversation: %v, want ErrNotFound", err)
	}
	if _, err := e.c.SendMessage(ctx, cid, "mallory", SendInput{Text: "x"}); !errors.Is(err, model.ErrPermissionDenied) {
		t.Errorf("non-member sender: %v, want ErrPermissionDenied", err)
	}
}

func TestCreateConversationInitializesMemberState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cid, err := e.c.CreateConversation(ctx, model.Group, "team", []string{"alice", "bob", "carol"}, "alice")
	if err != nil {
		t.Fatal(err)
	}

	conv, _ := e.arch.GetConversation(ctx, cid)
	if conv == nil || conv.Type != model.Group || len(conv.MemberIDs) != 3 {
		t.Fatalf("archived conversation = %+v", conv)
	}
	if conv.MemberDetails["alice"].DisplayName != "Alice" {
		t.Errorf("member snapshot = %+v", conv.MemberDetails)
	}

	for _, uid := range []string{"alice", "bob", "carol"} {
		if ok, _ := e.live.Exists(ctx, live.MemberPath(cid, uid)); !ok {
			t.Errorf("membership marker missing for %s", uid)
		}
		raw, ok, _ := e.live.Get(ctx, live.UserConversationPath(uid, cid))
		if !ok {
			t.Errorf("status doc missing for %s", uid)
			continue
		}
		status, err := model.DecodeStatus(raw)
		if err != nil || status.IsHidden || status.IsPinned {
			t.Errorf("status for %s = %+v, %v", uid, status, err)
		}
		unreadRaw, _, _ := e.live.Get(ctx, live.UnreadPath(uid, cid))
		if live.ParseCounter(unreadRaw) != 0 {
			t.Errorf("unread for %s = %s, want 0", uid, unreadRaw)
		}
	}
}

func TestCreateConversationValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.c.CreateConversation(ctx, model.Direct, "", []string{"a", "b", "c"}, "a"); err == nil {
		t.Error("direct with 3 members should fail")
	}
	if _, err := e.c.CreateConversation(ctx, model.Group, "g", []string{"a", "b"}, "a"); err == nil {
		t.Error("group with 2 members should fail")
	}
	if _, err := e.c.CreateConversation(ctx, model.Direct, "", []string{"a", "b"}, ""); !errors.Is(err, model.ErrUnauthenticated) {
		t.Errorf("missing creator: %v", err)
	}
}

func TestCreateConversationAndSendMessage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cid, mid, err := e.c.CreateConversationAndSendMessage(ctx, model.Direct, "", []string{"alice", "bob"}, "alice", SendInput{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	m := e.liveMessage(t, cid, mid)
	if m.Text != "hi" || m.SenderID != "alice" {
		t.Errorf("message = %+v", m)
	}
	raw, _, _ := e.live.Get(ctx, live.UnreadPath("bob", cid))
	if live.ParseCounter(raw) != 1 {
		t.Errorf("bob unread = %s, want 1", raw)
	}
}

func TestFindConversationByParticipants(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cid := e.directConversation(t, "alice", "bob")

	// Exact match ignores order.
	found, err := e.c.FindConversationByParticipants(ctx, "alice", []string{"bob", "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.ID != cid {
		t.Fatalf("found = %+v, want %s", found, cid)
	}

	// Superset is not a match.
	found, err = e.c.FindConversationByParticipants(ctx, "alice", []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if found != nil {
		t.Errorf("superset matched: %+v", found)
	}

	if _, err := e.c.FindConversationByParticipants(ctx, "", []string{"a"}); !errors.Is(err, model.ErrUnauthenticated) {
		t.Errorf("missing caller: %v", err)
	}
}

func TestMentionFanOut(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cid, err := e.c.CreateConversation(ctx, model.Group, "g", []string{"alice", "bob", "carol"}, "alice")
	if err != nil {
		t.Fatal(err)
	}

	ch, unsub := e.bus.Subscribe(bus.KindMessageMentioned, 10)
	defer unsub()

	// @Bob resolves by display name; @alice is the author and is skipped.
	if _, err := e.c.SendMessage(ctx, cid, "alice", SendInput{Text: "ping @Bob and @alice!"}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		mention := evt.Payload.(*bus.Mention)
		if mention.MentionedID != "bob" || mention.SenderID != "alice" {
			t.Errorf("mention = %+v", mention)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for mention event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected second mention: %+v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEditMessage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cid := e.directConversation(t, "alice", "bob")
	mid, err := e.c.SendMessage(ctx, cid, "alice", SendInput{Text: "typo"})
	if err != nil {
		t.Fatal(err)
	}
	e.q.Flush()

	if err := e.c.EditMessage(ctx, cid, mid, "bob", "hijacked"); !errors.Is(err, model.ErrPermissionDenied) {
		t.Errorf("non-sender edit: %v, want ErrPermissionDenied", err)
	}

	if err := e.c.EditMessage(ctx, cid, mid, "alice", "fixed"); err != nil {
		t.Fatal(err)
	}
	m := e.liveMessage(t, cid, mid)
	if m.Text != "fixed" || !m.IsEdited || m.EditedAt == 0 {
		t.Errorf("live copy after edit = %+v", m)
	}

	e.q.Flush()
	archived, _ := e.arch.GetMessage(ctx, cid, mid)
	if archived.Text != "fixed" || !archived.IsEdited {
		t.Errorf("archive copy after edit = %+v", archived)
	}

	if err := e.c.EditMessage(ctx, cid, "missing", "alice", "x"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("edit unknown message: %v, want ErrNotFound", err)
	}
}

func TestScanMentions(t *testing.T) {
	got := scanMentions("hey @bob, see @Carol! no@t-this @")
	want := []string{"bob", "Carol"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
