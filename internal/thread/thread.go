// Package thread maps application-level conversations between user sets
// onto durable local records bound to remote chat sessions.
package thread

import (
	"strings"
	"time"
)

// Type classifies a conversation thread.
type Type int

const (
	// TypeUnspecified lets resolution infer the type from the member count.
	TypeUnspecified Type = iota
	// TypeDirect is a one-to-one conversation.
	TypeDirect
	// TypeGroup is a multi-party conversation backed by a remote session.
	TypeGroup
)

// Label returns the storage label for a thread type.
func (t Type) Label() string {
	switch t {
	case TypeDirect:
		return "direct"
	case TypeGroup:
		return "group"
	}
	return "unspecified"
}

// ParseType maps a storage label back to a thread type.
func ParseType(label string) Type {
	switch strings.TrimSpace(strings.ToLower(label)) {
	case "direct":
		return TypeDirect
	case "group":
		return TypeGroup
	}
	return TypeUnspecified
}

// Thread is the local record of one conversation. LocalID is the stable
// storage key, assigned at creation and never reused. ID is the bound
// conversation identity: the remote session id for group threads, the
// current user's identity for direct threads, and empty while a group
// thread's remote allocation is still pending.
type Thread struct {
	LocalID   string
	ID        string
	Type      Type
	Creator   string
	Name      string
	ImageURL  string
	Members   []string
	CreatedAt time.Time
}

// OtherMember returns the counterpart of currentUser in a direct thread.
// The lookup is by identity, not position, so member ordering never
// changes the answer.
func (t Thread) OtherMember(currentUser string) (string, bool) {
	if t.Type != TypeDirect {
		return "", false
	}
	for _, member := range t.Members {
		if member != currentUser {
			return member, true
		}
	}
	return "", false
}

// NormalizeMembers produces the canonical member sequence for a
// conversation: blanks dropped, duplicates collapsed to first occurrence,
// and the current user always present exactly once, ordered last.
func NormalizeMembers(currentUser string, members []string) []string {
	normalized := make([]string, 0, len(members)+1)
	seen := make(map[string]bool, len(members)+1)
	for _, member := range members {
		member = strings.TrimSpace(member)
		if member == "" || member == currentUser || seen[member] {
			continue
		}
		seen[member] = true
		normalized = append(normalized, member)
	}
	return append(normalized, currentUser)
}
