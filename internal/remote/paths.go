package remote

import "strings"

// Document keys shared by every store adapter.
const (
	KeyMeta    = "meta"
	KeyCreated = "created"
	KeyName    = "name"
	KeyAvatar  = "avatar"
	KeyRole    = "role"
	KeyType    = "type"
	KeyFrom    = "from"
	KeyDate    = "date"
	KeyTarget  = "target"
)

// ChatsPath addresses the collection of group chat documents.
func ChatsPath() string {
	return "chats"
}

// ChatPath addresses one group chat document.
func ChatPath(chatID string) string {
	return join("chats", chatID)
}

// ChatMembersPath addresses the member list of one group chat.
func ChatMembersPath(chatID string) string {
	return join("chats", chatID, "members")
}

// ChatMemberPath addresses one member document of one group chat.
func ChatMemberPath(chatID, userID string) string {
	return join("chats", chatID, "members", userID)
}

// ChatMessagesPath addresses the message collection of one group chat.
func ChatMessagesPath(chatID string) string {
	return join("chats", chatID, "messages")
}

// UserMessagesPath addresses the direct message collection of one user.
func UserMessagesPath(userID string) string {
	return join("users", userID, "messages")
}

// UserInvitesPath addresses the invitation collection of one user.
func UserInvitesPath(userID string) string {
	return join("users", userID, "invites")
}

func join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		if trimmed := strings.TrimSpace(segment); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "/")
}
