package store

import (
	"slices"
	"strings"
	"time"

	"github.com/pliu/chatsync/internal/models"
)

// MatchUser reports whether u satisfies the search filter.
func MatchUser(u models.User, f UserFilter) bool {
	if f.ExcludeID != "" && u.ID == f.ExcludeID {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(f.Term))
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(u.Username), term) ||
		strings.Contains(strings.ToLower(u.DisplayName), term) ||
		strings.Contains(strings.ToLower(u.Email), term)
}

// NewestMessages orders messages by timestamp (pending last, stable
// otherwise) and keeps the newest limit of them. The input slice is reordered.
func NewestMessages(messages []models.Message, limit int) []models.Message {
	slices.SortStableFunc(messages, func(a, b models.Message) int {
		return compareTimes(a.Timestamp, b.Timestamp)
	})
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages
}

// NewestChats keeps the limit chats with the most recent projection time.
// The input slice is reordered.
func NewestChats(chats []models.Chat, limit int) []models.Chat {
	if limit <= 0 || len(chats) <= limit {
		return chats
	}
	slices.SortStableFunc(chats, func(a, b models.Chat) int {
		return compareTimes(b.LastMessageTime, a.LastMessageTime)
	})
	return chats[:limit]
}

// compareTimes orders nil after every resolved time.
func compareTimes(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return a.Compare(*b)
	}
}
