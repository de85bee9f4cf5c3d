// Package reconciler implements the read path: it merges live channel
// events with archive pages into one consistent, per-user view of a
// conversation, applying the soft-deletion filter and batching read
// receipts.
package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/otavioch/tandem/internal/archive"
	"github.com/otavioch/tandem/internal/bus"
	"github.com/otavioch/tandem/internal/live"
	"github.com/otavioch/tandem/internal/model"
)

// Options tunes the observe protocol.
type Options struct {
	// WindowSize is how many recent messages the live channel replays on
	// watch. Zero means DefaultWindowSize.
	WindowSize int
	// SettleDelay caps how long the initial-load phase waits for the
	// store's sync marker before emitting whatever has arrived. Zero
	// means DefaultSettleDelay.
	SettleDelay time.Duration
}

const (
	DefaultWindowSize  = 50
	DefaultSettleDelay = 500 * time.Millisecond
)

// Reconciler owns the live views of open conversations for one user.
type Reconciler struct {
	live   live.Store
	arch   archive.Store
	bus    *bus.Bus
	userID string
	opts   Options
	logger *zap.Logger
	now    func() int64

	mu       sync.Mutex
	views    map[string][]*view
	depleted map[string]bool
}

// New creates a reconciler for the given user.
func New(l live.Store, a archive.Store, b *bus.Bus, userID string, opts Options, logger *zap.Logger) *Reconciler {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		live:     l,
		arch:     a,
		bus:      b,
		userID:   userID,
		opts:     opts,
		logger:   logger,
		now:      func() int64 { return time.Now().UnixMilli() },
		views:    make(map[string][]*view),
		depleted: make(map[string]bool),
	}
}

type view struct {
	cid    string
	out    chan []*model.Message
	done   chan struct{}
	once   sync.Once
	stop   func()
	closed func(*view)
}

func (v *view) cancel() {
	v.once.Do(func() {
		v.stop()
		close(v.done)
		v.closed(v)
	})
}

// Observe opens a live view of one conversation. Each received slice is a
// full snapshot, sorted by timestamp ascending, already filtered for the
// observing user. The initial window arrives as exactly one emission; the
// channel coalesces, so a slow consumer only ever sees the newest
// snapshot. The returned cancel func releases the watch and must be
// called when the view closes.
func (r *Reconciler) Observe(ctx context.Context, cid string) (<-chan []*model.Message, func(), error) {
	events, release, err := r.live.Watch(ctx, live.MessagesPath(cid), r.opts.WindowSize)
	if err != nil {
		return nil, nil, err
	}

	v := &view{
		cid:  cid,
		out:  make(chan []*model.Message, 1),
		done: make(chan struct{}),
		stop: release,
		closed: func(v *view) {
			r.detach(v)
			if r.bus != nil {
				r.bus.Emit(bus.KindViewClosed, &bus.ViewChange{UserID: r.userID, ConversationID: cid})
			}
		},
	}

	r.mu.Lock()
	r.views[cid] = append(r.views[cid], v)
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(bus.KindViewOpened, &bus.ViewChange{UserID: r.userID, ConversationID: cid})
	}

	go r.run(v, events)
	return v.out, v.cancel, nil
}

// run is the single owner of one conversation's message map. Watch events
// arrive on an unspecified goroutine boundary; serializing them here is
// what keeps the initial-load buffer from racing incremental events.
func (r *Reconciler) run(v *view, events <-chan live.Event) {
	defer close(v.out)

	msgs := make(map[string]*model.Message)
	synced := false

	emit := func() {
		snap := make([]*model.Message, 0, len(msgs))
		for _, m := range msgs {
			snap = append(snap, m)
		}
		sortByTimestamp(snap)
		// Coalesce: replace a pending snapshot the consumer never took.
		select {
		case <-v.out:
		default:
		}
		select {
		case v.out <- snap:
		case <-v.done:
		}
	}

	// Fallback for stores whose sync marker is arbitrarily delayed.
	settle := time.NewTimer(r.opts.SettleDelay)
	defer settle.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Store closed the watch out from under us; tear the view
				// down the same way an explicit cancel would so it is
				// detached and its closed event still fires.
				v.cancel()
				return
			}
			switch ev.Type {
			case live.InitialSync:
				if !synced {
					synced = true
					settle.Stop()
					emit()
				}

			case live.Added, live.Changed:
				m, err := model.DecodeMessage(ev.Value)
				if err != nil {
					r.logger.Warn("undecodable live message",
						zap.Error(err), zap.String("conversation", v.cid), zap.String("key", ev.Key))
					continue
				}
				if !m.VisibleTo(r.userID) {
					// Deleted-for-caller: drop, and re-emit if it was showing.
					if _, had := msgs[m.ID]; had {
						delete(msgs, m.ID)
						if synced {
							emit()
						}
					}
					continue
				}
				prev, had := msgs[m.ID]
				msgs[m.ID] = m
				if !synced {
					continue // initial-load buffer, emitted as one batch
				}
				if !had {
					emit()
					continue
				}
				// Metadata-only rewrites (delivery, readBy) are stored but
				// not re-emitted; only content changes redraw.
				if prev.Text != m.Text || prev.MediaURL != m.MediaURL {
					emit()
				}

			case live.Removed:
				if _, had := msgs[ev.Key]; had {
					delete(msgs, ev.Key)
					if synced {
						emit()
					}
				}
			}

		case <-settle.C:
			if !synced {
				synced = true
				emit()
			}

		case <-v.done:
			return
		}
	}
}

func (r *Reconciler) detach(v *view) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs := r.views[v.cid]
	for i := range vs {
		if vs[i] == v {
			r.views[v.cid] = append(vs[:i], vs[i+1:]...)
			break
		}
	}
	if len(r.views[v.cid]) == 0 {
		delete(r.views, v.cid)
	}
}

// Close cancels every view opened for the conversation.
func (r *Reconciler) Close(cid string) {
	r.mu.Lock()
	vs := append([]*view(nil), r.views[cid]...)
	r.mu.Unlock()
	for _, v := range vs {
		v.cancel()
	}
}

// Stop cancels every open view.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	var all []*view
	for _, vs := range r.views {
		all = append(all, vs...)
	}
	r.mu.Unlock()
	for _, v := range all {
		v.cancel()
	}
}

// LoadOlderMessages pages backward through the archive, strictly before
// beforeTs, returning up to limit messages in chronological order with
// the caller's deletion filter applied. Once a conversation's history is
// exhausted the depleted state is latched, so repeated scroll-to-top
// gestures stop hitting the archive.
func (r *Reconciler) LoadOlderMessages(ctx context.Context, cid string, beforeTs int64, limit int) ([]*model.Message, error) {
	r.mu.Lock()
	done := r.depleted[cid]
	r.mu.Unlock()
	if done {
		return nil, nil
	}

	page, err := r.arch.ListMessagesBefore(ctx, cid, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	if len(page) == 0 {
		r.mu.Lock()
		r.depleted[cid] = true
		r.mu.Unlock()
		return nil, nil
	}

	// Newest-first page, reversed to chronological.
	out := make([]*model.Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		m := page[i]
		if m.VisibleTo(r.userID) {
			out = append(out, &m)
		}
	}
	return out, nil
}

// MarkMessagesAsRead records a batched read receipt: exactly one status
// document update (last read marker, unread reset to zero) plus a read
// stamp on the single most-recent message for sender feedback. Per-message
// read state for older messages is inferred by timestamp, never stored.
func (r *Reconciler) MarkMessagesAsRead(ctx context.Context, cid, lastReadMessageID string) error {
	ts := r.now()

	err := r.live.Update(ctx, live.UserConversationPath(r.userID, cid), func(cur []byte) ([]byte, error) {
		status := &model.ConversationStatus{}
		if cur != nil {
			s, err := model.DecodeStatus(cur)
			if err != nil {
				return nil, err
			}
			status = s
		}
		// An empty id means the window held nothing to point at; keep the
		// previous marker instead of regressing it.
		if lastReadMessageID != "" {
			status.LastReadMessageID = lastReadMessageID
		}
		status.LastReadTimestamp = ts
		return model.EncodeStatus(status), nil
	})
	if err != nil {
		return err
	}

	if err := r.live.Set(ctx, live.UnreadPath(r.userID, cid), live.FormatCounter(0)); err != nil {
		r.logger.Warn("unread reset failed", zap.Error(err), zap.String("conversation", cid))
	}

	if lastReadMessageID != "" {
		err := r.live.Update(ctx, live.MessagePath(cid, lastReadMessageID), func(cur []byte) ([]byte, error) {
			if cur == nil {
				return nil, nil // aged out of the window
			}
			m, err := model.DecodeMessage(cur)
			if err != nil {
				return nil, err
			}
			if m.ReadBy == nil {
				m.ReadBy = make(map[string]int64)
			}
			m.ReadBy[r.userID] = ts
			return model.EncodeMessage(m), nil
		})
		if err != nil {
			r.logger.Warn("read stamp failed",
				zap.Error(err), zap.String("conversation", cid), zap.String("message", lastReadMessageID))
		}
	}
	return nil
}

// MarkConversationAsRead is the idempotent form: it only stamps a new
// last-read marker when something is actually unread, so re-opening an
// already-read conversation never spuriously advances the marker.
func (r *Reconciler) MarkConversationAsRead(ctx context.Context, cid string) error {
	raw, _, err := r.live.Get(ctx, live.UnreadPath(r.userID, cid))
	if err != nil {
		return err
	}
	if live.ParseCounter(raw) == 0 {
		return nil
	}
	return r.MarkMessagesAsRead(ctx, cid, r.newestMessageID(ctx, cid))
}

// MarkDelivered stamps the caller's delivery mark on each message still
// inside the live window. Best-effort: a missing message is skipped.
func (r *Reconciler) MarkDelivered(ctx context.Context, cid string, messageIDs []string) error {
	ts := r.now()
	for _, mid := range messageIDs {
		err := r.live.Update(ctx, live.MessagePath(cid, mid), func(cur []byte) ([]byte, error) {
			if cur == nil {
				return nil, nil
			}
			m, err := model.DecodeMessage(cur)
			if err != nil {
				return nil, err
			}
			mark, ok := m.DeliveryStatus[r.userID]
			if !ok || mark.State == model.DeliveryDelivered {
				return nil, nil
			}
			m.DeliveryStatus[r.userID] = model.DeliveryMark{State: model.DeliveryDelivered, At: ts}
			return model.EncodeMessage(m), nil
		})
		if err != nil {
			r.logger.Warn("delivery stamp failed",
				zap.Error(err), zap.String("conversation", cid), zap.String("message", mid))
		}
	}
	return nil
}

func (r *Reconciler) newestMessageID(ctx context.Context, cid string) string {
	children, err := r.live.Children(ctx, live.MessagesPath(cid))
	if err != nil {
		r.logger.Warn("window scan failed", zap.Error(err), zap.String("conversation", cid))
		return ""
	}
	var newestID string
	var newestTs int64 = -1
	for _, raw := range children {
		m, err := model.DecodeMessage(raw)
		if err != nil {
			continue
		}
		if m.Timestamp > newestTs {
			newestTs = m.Timestamp
			newestID = m.ID
		}
	}
	return newestID
}

func sortByTimestamp(msgs []*model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}
