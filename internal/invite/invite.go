// Package invite provides invitation dispatch to session participants.
package invite

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/kindling/internal/remote"
)

// Kind classifies an invitation target.
type Kind int

const (
	// KindUnspecified represents an invalid invitation kind.
	KindUnspecified Kind = iota
	// KindChat invites the recipient into a group chat session.
	KindChat
)

// Label returns the wire label for an invitation kind.
func (k Kind) Label() string {
	if k == KindChat {
		return "chat"
	}
	return "unspecified"
}

// Dispatcher delivers an invitation to a recipient.
type Dispatcher interface {
	Send(ctx context.Context, toUserID string, kind Kind, targetID string) error
}

// StoreDispatcher writes invitation documents to the recipient's invite
// collection in the remote store.
type StoreDispatcher struct {
	store remote.Store
	from  string
}

// NewStoreDispatcher builds a dispatcher sending invitations as fromUserID.
func NewStoreDispatcher(store remote.Store, fromUserID string) (*StoreDispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	fromUserID = strings.TrimSpace(fromUserID)
	if fromUserID == "" {
		return nil, fmt.Errorf("sender user id is required")
	}
	return &StoreDispatcher{store: store, from: fromUserID}, nil
}

// Send writes one invitation document to the recipient's invite collection.
func (d *StoreDispatcher) Send(ctx context.Context, toUserID string, kind Kind, targetID string) error {
	toUserID = strings.TrimSpace(toUserID)
	if toUserID == "" {
		return fmt.Errorf("recipient user id is required")
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return fmt.Errorf("target id is required")
	}

	_, err := d.store.Write(ctx, remote.UserInvitesPath(toUserID), map[string]any{
		remote.KeyType:   kind.Label(),
		remote.KeyTarget: targetID,
		remote.KeyFrom:   d.from,
		remote.KeyDate:   d.store.ServerTimestamp(),
	})
	if err != nil {
		return fmt.Errorf("write invitation for %s: %w", toUserID, err)
	}
	return nil
}
