package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/otavioch/tandem/internal/live"
	"github.com/otavioch/tandem/internal/model"
)

// DeleteMessageForUser adds uid to the message's deleted-for set in both
// stores: the live copy so open reconcilers filter it immediately, the
// archive copy so the filter outlives the live window. Both writes are
// attempted even if one fails; a partial soft-delete is a degraded state,
// not a rollback, because each store filters independently.
func (c *Coordinator) DeleteMessageForUser(ctx context.Context, cid, mid, uid string) error {
	if uid == "" {
		return model.ErrUnauthenticated
	}

	liveErr := c.live.Update(ctx, live.MessagePath(cid, mid), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, nil // already aged out of the window
		}
		m, err := model.DecodeMessage(cur)
		if err != nil {
			return nil, err
		}
		if !m.DeleteFor(uid) {
			return nil, nil // already deleted for this member
		}
		return model.EncodeMessage(m), nil
	})
	if liveErr != nil {
		liveErr = fmt.Errorf("live delete-for: %w", liveErr)
	}

	archErr := c.arch.AddDeletedFor(ctx, cid, mid, uid)
	if archErr != nil {
		archErr = fmt.Errorf("archive delete-for: %w", archErr)
	}

	return errors.Join(liveErr, archErr)
}

// HideConversationForUser sets isHidden on that user's own status
// document and nothing else. Other members' views are untouched, and a
// later inbound message does not clear the flag.
func (c *Coordinator) HideConversationForUser(ctx context.Context, cid, uid string) error {
	if uid == "" {
		return model.ErrUnauthenticated
	}
	return c.live.Update(ctx, live.UserConversationPath(uid, cid), func(cur []byte) ([]byte, error) {
		status := &model.ConversationStatus{}
		if cur != nil {
			s, err := model.DecodeStatus(cur)
			if err != nil {
				return nil, err
			}
			status = s
		}
		if status.IsHidden {
			return nil, nil
		}
		status.IsHidden = true
		return model.EncodeStatus(status), nil
	})
}
