package chat

import (
	"errors"
	"time"
)

// ErrInvalidRequest marks a request that could not be constructed, as
// opposed to one that failed in flight.
var ErrInvalidRequest = errors.New("invalid chat request")

type InteractionType string

const (
	InteractionTextInput      InteractionType = "text_input"
	InteractionValueSelected  InteractionType = "value_selected"
	InteractionActionExecuted InteractionType = "action_executed"
)

// ActionMetadata describes the suggested action a user triggered.
type ActionMetadata struct {
	ActionID string `json:"actionId"`
	Label    string `json:"label,omitempty"`
	Data     any    `json:"data,omitempty"`
}

// HistoryEntry is the role/content/timestamp triple sent with each request.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatRequest is the outbound body of one exchange.
type ChatRequest struct {
	Message         string          `json:"message"`
	Context         map[string]any  `json:"context"`
	InteractionType InteractionType `json:"interactionType"`
	Action          *ActionMetadata `json:"action,omitempty"`
	History         []HistoryEntry  `json:"history"`
	ConversationID  *ConversationID `json:"conversationId,omitempty"`
}

// BuildHistory converts prior turns into outbound triples, keeping at most the
// last limit entries when limit is positive.
func BuildHistory(history []Message, limit int) []HistoryEntry {
	displayable := Displayable(history)
	if limit > 0 && len(displayable) > limit {
		displayable = displayable[len(displayable)-limit:]
	}

	entries := make([]HistoryEntry, 0, len(displayable))
	for _, msg := range displayable {
		entries = append(entries, HistoryEntry{
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		})
	}
	return entries
}
