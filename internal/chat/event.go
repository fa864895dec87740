package chat

import (
	"github.com/louisbranch/kindling/internal/remote"
)

// MembershipKind classifies a folded membership event.
type MembershipKind int

const (
	// MembershipUnspecified represents an invalid membership event.
	MembershipUnspecified MembershipKind = iota
	// MembershipAdded indicates a member joined or changed role.
	MembershipAdded
	// MembershipRemoved indicates a member left the session.
	MembershipRemoved
)

// MembershipEvent is one typed roster change, produced and consumed as a
// stream and never persisted.
type MembershipEvent struct {
	Kind   MembershipKind
	Member Member
}

// FoldListEvent turns a raw list-change notification into a typed
// membership event. Added and updated changes both fold to MembershipAdded
// (an update is a role change, applied as an upsert); removed changes fold
// to MembershipRemoved. The second return is false when the notification
// carries no usable identity.
func FoldListEvent(event remote.ListEvent) (MembershipEvent, bool) {
	if event.ItemID == "" {
		return MembershipEvent{}, false
	}

	member := Member{ID: event.ItemID}
	if label, ok := event.Payload[remote.KeyRole].(string); ok {
		member.Role = ParseRole(label)
	}

	switch event.Kind {
	case remote.ChangeAdded, remote.ChangeUpdated:
		return MembershipEvent{Kind: MembershipAdded, Member: member}, true
	case remote.ChangeRemoved:
		return MembershipEvent{Kind: MembershipRemoved, Member: member}, true
	}
	return MembershipEvent{}, false
}

// applyMembership folds event into roster, returning the mutated roster.
// Added upserts by identity so a duplicate add updates the role without
// duplicating the entry; removed deletes by identity.
func applyMembership(roster []Member, event MembershipEvent) []Member {
	switch event.Kind {
	case MembershipAdded:
		for i, member := range roster {
			if member.ID == event.Member.ID {
				roster[i].Role = event.Member.Role
				return roster
			}
		}
		return append(roster, event.Member)
	case MembershipRemoved:
		for i, member := range roster {
			if member.ID == event.Member.ID {
				return append(roster[:i:i], roster[i+1:]...)
			}
		}
	}
	return roster
}
