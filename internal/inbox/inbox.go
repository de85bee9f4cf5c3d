// Package inbox maintains one user's denormalized conversation list: per
// conversation the archive metadata, the live status document, and the
// unread counter, merged and ordered for inbox rendering.
package inbox

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/otavioch/tandem/internal/archive"
	"github.com/otavioch/tandem/internal/live"
	"github.com/otavioch/tandem/internal/model"
)

// Entry is one inbox row.
type Entry struct {
	Conversation model.Conversation
	Status       model.ConversationStatus
	Unread       int64
}

// Index watches one user's conversation namespace.
type Index struct {
	live   live.Store
	arch   archive.Store
	userID string
	logger *zap.Logger

	mu    sync.Mutex
	convs map[string]*model.Conversation // archive metadata cache
}

// New creates an index for the given user.
func New(l live.Store, a archive.Store, userID string, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		live:   l,
		arch:   a,
		userID: userID,
		logger: logger,
		convs:  make(map[string]*model.Conversation),
	}
}

// Snapshot returns the current inbox, one-shot. Hidden conversations are
// excluded; pinned ones sort first, then by most recent activity.
func (x *Index) Snapshot(ctx context.Context) ([]Entry, error) {
	children, err := x.live.Children(ctx, live.UserConversationsPath(x.userID))
	if err != nil {
		return nil, err
	}

	entries := make(map[string]*Entry, len(children))
	for cid, raw := range children {
		status, err := model.DecodeStatus(raw)
		if err != nil {
			x.logger.Warn("undecodable status doc", zap.Error(err), zap.String("conversation", cid))
			continue
		}
		unreadRaw, _, _ := x.live.Get(ctx, live.UnreadPath(x.userID, cid))
		entries[cid] = &Entry{
			Conversation: x.conversation(ctx, cid),
			Status:       *status,
			Unread:       live.ParseCounter(unreadRaw),
		}
	}
	return assemble(entries), nil
}

// Watch streams the inbox. The first emission is the full current list
// in one batch; later emissions follow status, unread, or membership
// changes. The channel coalesces so a slow consumer only sees the newest
// list. The cancel func releases the watch.
func (x *Index) Watch(ctx context.Context) (<-chan []Entry, func(), error) {
	events, release, err := x.live.Watch(ctx, live.UserConversationsPath(x.userID), 0)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan []Entry, 1)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			release()
			close(done)
		})
	}

	go x.run(ctx, events, out, done)
	return out, cancel, nil
}

func (x *Index) run(ctx context.Context, events <-chan live.Event, out chan []Entry, done chan struct{}) {
	defer close(out)

	entries := make(map[string]*Entry)
	synced := false

	emit := func() {
		list := assemble(entries)
		select {
		case <-out:
		default:
		}
		select {
		case out <- list:
		case <-done:
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			changed := false
			switch ev.Type {
			case live.InitialSync:
				if !synced {
					synced = true
					// Counter leaves are not part of the replay; backfill
					// them before the first emission.
					for cid, e := range entries {
						raw, _, err := x.live.Get(ctx, live.UnreadPath(x.userID, cid))
						if err == nil {
							e.Unread = live.ParseCounter(raw)
						}
					}
					emit()
				}
				continue

			case live.Added, live.Changed:
				cid, leaf, isLeaf := strings.Cut(ev.Key, "/")
				e := entries[cid]
				if e == nil {
					e = &Entry{Conversation: x.conversation(ctx, cid)}
					entries[cid] = e
				}
				if isLeaf {
					if leaf == "unread" {
						n := live.ParseCounter(ev.Value)
						changed = n != e.Unread
						e.Unread = n
					}
					break
				}
				status, err := model.DecodeStatus(ev.Value)
				if err != nil {
					x.logger.Warn("undecodable status doc",
						zap.Error(err), zap.String("conversation", cid))
					break
				}
				changed = true
				e.Status = *status

			case live.Removed:
				cid, _, isLeaf := strings.Cut(ev.Key, "/")
				if !isLeaf {
					if _, had := entries[cid]; had {
						delete(entries, cid)
						changed = true
					}
				}
			}
			if synced && changed {
				emit()
			}

		case <-done:
			return
		}
	}
}

// conversation returns cached archive metadata, or a bare placeholder
// when the lookup fails (the row still renders with its id).
func (x *Index) conversation(ctx context.Context, cid string) model.Conversation {
	x.mu.Lock()
	if c, ok := x.convs[cid]; ok {
		x.mu.Unlock()
		return *c
	}
	x.mu.Unlock()

	c, err := x.arch.GetConversation(ctx, cid)
	if err != nil || c == nil {
		if err != nil {
			x.logger.Warn("conversation lookup failed", zap.Error(err), zap.String("conversation", cid))
		}
		return model.Conversation{ID: cid}
	}
	x.mu.Lock()
	x.convs[cid] = c
	x.mu.Unlock()
	return *c
}

// assemble filters and orders entries: hidden conversations never appear
// (a new inbound message does not resurrect them), pinned ones lead, and
// within each group the most recent activity wins.
func assemble(entries map[string]*Entry) []Entry {
	list := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Status.IsHidden {
			continue
		}
		list = append(list, *e)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Status.IsPinned != list[j].Status.IsPinned {
			return list[i].Status.IsPinned
		}
		return activity(&list[i]) > activity(&list[j])
	})
	return list
}

func activity(e *Entry) int64 {
	if e.Conversation.LastMessage != nil {
		return e.Conversation.LastMessage.Timestamp
	}
	return e.Conversation.CreatedAt
}
