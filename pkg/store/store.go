// Package store persists conversations so a session can be resumed. The
// session only consumes this contract; the record layout belongs to each
// backend.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/killallgit/chatstream/pkg/chat"
)

var ErrNotFound = errors.New("conversation not found")

const titleLength = 60

type Conversation struct {
	ID        chat.ConversationID `json:"id"`
	Title     string              `json:"title,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Summary is a row of ListRecent.
type Summary struct {
	Conversation
	MessageCount int `json:"messageCount"`
}

// ConversationStore loads and saves conversation records.
type ConversationStore interface {
	// CreateOrGet returns the conversation with id, creating it when it does
	// not exist. A zero id always creates a new conversation.
	CreateOrGet(ctx context.Context, id chat.ConversationID) (Conversation, error)
	// Append adds msg to the end of the conversation.
	Append(ctx context.Context, id chat.ConversationID, msg chat.Message) error
	// Load returns the user and assistant messages in order.
	Load(ctx context.Context, id chat.ConversationID) ([]chat.Message, error)
	// ListRecent returns conversations, most recently updated first.
	ListRecent(ctx context.Context, limit, offset int) ([]Summary, error)
}

// TitleFrom derives a conversation title from its first user message.
func TitleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	runes := []rune(title)
	if len(runes) > titleLength {
		return string(runes[:titleLength]) + "…"
	}
	return title
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
