// Package presence maintains the global online set and per-conversation
// typing indicators in the live channel. Liveness comes from two
// independent mechanisms: disconnect-triggered cleanup on the store
// session, and a short staleness filter applied by every reader.
package presence

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/otavioch/tandem/internal/live"
)

// Options tunes the typing indicator lifecycle.
type Options struct {
	// TypingTTL is how long readers trust a typing timestamp. Zero means
	// DefaultTypingTTL.
	TypingTTL time.Duration
	// TypingDebounce is how long after the last keystroke the writer
	// clears its own indicator. Zero means DefaultTypingDebounce.
	TypingDebounce time.Duration
}

const (
	DefaultTypingTTL      = 5 * time.Second
	DefaultTypingDebounce = 3 * time.Second
)

// Tracker manages one user's presence and typing state.
type Tracker struct {
	live   live.Store
	userID string
	opts   Options
	logger *zap.Logger
	now    func() int64

	mu     sync.Mutex
	timers map[string]*time.Timer // conversation id -> debounce timer
}

// New creates a tracker for the given user.
func New(l live.Store, userID string, opts Options, logger *zap.Logger) *Tracker {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = DefaultTypingDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		live:   l,
		userID: userID,
		opts:   opts,
		logger: logger,
		now:    func() int64 { return time.Now().UnixMilli() },
		timers: make(map[string]*time.Timer),
	}
}

// Connect marks the user online. The disconnect cleanup is registered
// BEFORE the online write: if the session dies between the two steps the
// set stays clean, whereas the opposite order can leak a ghost entry.
func (t *Tracker) Connect(ctx context.Context) error {
	t.live.QueueDisconnect(
		live.Op{Kind: live.OpDelete, Path: live.OnlineUserPath(t.userID)},
		live.Op{Kind: live.OpSet, Path: live.LastSeenPath(t.userID), Value: live.FormatCounter(t.now())},
	)
	if err := t.live.Set(ctx, live.OnlineUserPath(t.userID), []byte("true")); err != nil {
		return err
	}
	return nil
}

// Disconnect removes the user from the online set and snapshots lastSeen.
// The queued cleanup ops cover crashes; this covers orderly logout.
func (t *Tracker) Disconnect(ctx context.Context) error {
	t.Stop()
	if err := t.live.Delete(ctx, live.OnlineUserPath(t.userID)); err != nil {
		return err
	}
	return t.live.Set(ctx, live.LastSeenPath(t.userID), live.FormatCounter(t.now()))
}

// IsOnline reports whether uid is in the online set. Existence-only:
// there is no boolean to go stale.
func (t *Tracker) IsOnline(ctx context.Context, uid string) (bool, error) {
	return t.live.Exists(ctx, live.OnlineUserPath(uid))
}

// LastSeen returns the last disconnect snapshot for uid, zero if none.
func (t *Tracker) LastSeen(ctx context.Context, uid string) (int64, error) {
	raw, _, err := t.live.Get(ctx, live.LastSeenPath(uid))
	if err != nil {
		return 0, err
	}
	return live.ParseCounter(raw), nil
}

// SetTyping stamps the user's typing indicator for cid and (re)arms the
// debounce timer that clears it after inactivity. Called per keystroke.
func (t *Tracker) SetTyping(ctx context.Context, cid string) error {
	if err := t.live.Set(ctx, live.TypingPath(cid, t.userID), live.FormatCounter(t.now())); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[cid]; ok {
		timer.Reset(t.opts.TypingDebounce)
		return nil
	}
	t.timers[cid] = time.AfterFunc(t.opts.TypingDebounce, func() {
		// Detached from the keystroke context on purpose; the clear must
		// outlive the call that armed it.
		if err := t.live.Delete(context.Background(), live.TypingPath(cid, t.userID)); err != nil {
			t.logger.Warn("typing debounce clear failed", zap.Error(err), zap.String("conversation", cid))
		}
		t.mu.Lock()
		delete(t.timers, cid)
		t.mu.Unlock()
	})
	return nil
}

// ClearTyping removes the user's typing indicator immediately, e.g. on
// message send.
func (t *Tracker) ClearTyping(ctx context.Context, cid string) error {
	t.mu.Lock()
	if timer, ok := t.timers[cid]; ok {
		timer.Stop()
		delete(t.timers, cid)
	}
	t.mu.Unlock()
	return t.live.Delete(ctx, live.TypingPath(cid, t.userID))
}

// TypingUsers returns the members currently typing in cid, excluding the
// tracker's own user. Entries older than the TTL are treated as absent:
// a crashed writer never clears its indicator, so readers cannot trust
// bare existence.
func (t *Tracker) TypingUsers(ctx context.Context, cid string) ([]string, error) {
	children, err := t.live.Children(ctx, live.TypingUsersPath(cid))
	if err != nil {
		return nil, err
	}
	cutoff := t.now() - t.opts.TypingTTL.Milliseconds()
	var typing []string
	for uid, raw := range children {
		if uid == t.userID {
			continue
		}
		if live.ParseCounter(raw) >= cutoff {
			typing = append(typing, uid)
		}
	}
	return typing, nil
}

// WatchTyping streams the typing set for cid. A new slice is sent when
// the set of fresh indicators changes; expiry without any store event is
// caught by a periodic re-check. The cancel func releases the watch.
func (t *Tracker) WatchTyping(ctx context.Context, cid string) (<-chan []string, func(), error) {
	events, release, err := t.live.Watch(ctx, live.TypingUsersPath(cid), 0)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan []string, 1)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			release()
			close(done)
		})
	}

	go func() {
		defer close(out)
		stamps := make(map[string]int64)
		var last []string

		tick := time.NewTicker(t.opts.TypingTTL / 2)
		defer tick.Stop()

		maybeEmit := func() {
			cutoff := t.now() - t.opts.TypingTTL.Milliseconds()
			var typing []string
			for uid, ts := range stamps {
				if uid != t.userID && ts >= cutoff {
					typing = append(typing, uid)
				}
			}
			sort.Strings(typing)
			if slices.Equal(typing, last) {
				return
			}
			last = typing
			select {
			case <-out:
			default:
			}
			select {
			case out <- typing:
			case <-done:
			}
		}

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Type {
				case live.Added, live.Changed:
					stamps[ev.Key] = live.ParseCounter(ev.Value)
				case live.Removed:
					delete(stamps, ev.Key)
				case live.InitialSync:
				}
				maybeEmit()
			case <-tick.C:
				maybeEmit()
			case <-done:
				return
			}
		}
	}()

	return out, cancel, nil
}

// Stop cancels every armed debounce timer without clearing indicators;
// the reader-side TTL covers whatever is left behind.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for cid, timer := range t.timers {
		timer.Stop()
		delete(t.timers, cid)
	}
}
