// Package notify bridges the sync core to an external push delivery
// service. It consumes message and view events from the bus, keeps an
// active-viewer registry, and invokes the injected Sender for every
// recipient who is neither the author nor currently viewing the
// conversation. Delivery failures are logged, never surfaced.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/otavioch/tandem/internal/bus"
	"github.com/otavioch/tandem/internal/live"
	"github.com/otavioch/tandem/internal/model"
)

// Sender delivers one push notification. Implementations are external
// collaborators (APNs, FCM, a desktop notifier); the core only defines
// the call shape.
type Sender interface {
	Send(ctx context.Context, userID, senderName, text, conversationID string, isGroup bool) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, userID, senderName, text, conversationID string, isGroup bool) error

func (f SenderFunc) Send(ctx context.Context, userID, senderName, text, conversationID string, isGroup bool) error {
	return f(ctx, userID, senderName, text, conversationID, isGroup)
}

// Dispatcher routes message events to the Sender.
type Dispatcher struct {
	live   live.Store
	bus    *bus.Bus
	sender Sender
	logger *zap.Logger

	mu      sync.Mutex
	viewing map[string]map[string]int // user id -> conversation id -> open view count

	cancel func()
	wg     sync.WaitGroup
}

// New creates a dispatcher. sender may be nil, which disables delivery
// but keeps the viewer registry current.
func New(l live.Store, b *bus.Bus, sender Sender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		live:    l,
		bus:     b,
		sender:  sender,
		logger:  logger,
		viewing: make(map[string]map[string]int),
	}
}

// Start subscribes to the bus and launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	msgCh, unsubMsg := d.bus.Subscribe("message.", 64)
	viewCh, unsubView := d.bus.Subscribe("view.", 64)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer unsubMsg()
		defer unsubView()
		for {
			select {
			case evt := <-msgCh:
				if evt.Kind == bus.KindMessageSent {
					if posted, ok := evt.Payload.(*bus.MessagePosted); ok {
						d.dispatch(ctx, posted)
					}
				}
			case evt := <-viewCh:
				if vc, ok := evt.Payload.(*bus.ViewChange); ok {
					d.trackView(evt.Kind, vc)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the dispatch loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// IsViewing reports whether the user has the conversation open.
func (d *Dispatcher) IsViewing(userID, conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.viewing[userID][conversationID] > 0
}

func (d *Dispatcher) trackView(kind string, vc *bus.ViewChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch kind {
	case bus.KindViewOpened:
		if d.viewing[vc.UserID] == nil {
			d.viewing[vc.UserID] = make(map[string]int)
		}
		d.viewing[vc.UserID][vc.ConversationID]++
	case bus.KindViewClosed:
		if m := d.viewing[vc.UserID]; m != nil {
			if m[vc.ConversationID]--; m[vc.ConversationID] <= 0 {
				delete(m, vc.ConversationID)
			}
			if len(m) == 0 {
				delete(d.viewing, vc.UserID)
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, posted *bus.MessagePosted) {
	if d.sender == nil {
		return
	}
	for _, uid := range posted.MemberIDs {
		if uid == posted.SenderID || d.IsViewing(uid, posted.ConversationID) {
			continue
		}
		if d.muted(ctx, uid, posted.ConversationID) {
			continue
		}
		err := d.sender.Send(ctx, uid, posted.SenderName, posted.Text, posted.ConversationID, posted.IsGroup)
		if err != nil {
			d.logger.Warn("push delivery failed",
				zap.Error(err), zap.String("user", uid), zap.String("conversation", posted.ConversationID))
		}
	}
}

// muted reads the recipient's status document. Any failure reads as not
// muted: a flaky store must not silently drop notifications.
func (d *Dispatcher) muted(ctx context.Context, uid, cid string) bool {
	raw, ok, err := d.live.Get(ctx, live.UserConversationPath(uid, cid))
	if err != nil || !ok {
		return false
	}
	status, err := model.DecodeStatus(raw)
	if err != nil {
		return false
	}
	return status.IsMuted
}
