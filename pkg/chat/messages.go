package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Message struct {
	ID               string            `json:"id"`
	Role             string            `json:"role"`
	Content          string            `json:"content"`
	Context          map[string]any    `json:"context,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	SuggestedValues  []SuggestedValue  `json:"suggestedValues,omitempty"`
	SuggestedActions []SuggestedAction `json:"suggestedActions,omitempty"`
	CustomPayload    *CustomPayload    `json:"customPayload,omitempty"`
	ToolHistory      []ToolInvocation  `json:"toolHistory,omitempty"`
	Cancelled        bool              `json:"cancelled,omitempty"`
	Error            bool              `json:"error,omitempty"`
}

// SuggestedValue is a quick-reply affordance. Selecting it sends Value back
// with the value_selected interaction type.
type SuggestedValue struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type HandlerLocation string

const (
	HandlerClient HandlerLocation = "client"
	HandlerServer HandlerLocation = "server"
)

type SuggestedAction struct {
	Label           string          `json:"label"`
	ActionID        string          `json:"actionId"`
	HandlerLocation HandlerLocation `json:"handlerLocation"`
	Data            json.RawMessage `json:"data,omitempty"`
	Style           string          `json:"style,omitempty"`
}

// CustomPayload is an application-specific attachment. Data is kept opaque.
type CustomPayload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ToolInvocation struct {
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func NewAssistantMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewErrorMessage builds the assistant turn that surfaces a failure in the
// transcript.
func NewErrorMessage(content string) Message {
	msg := NewAssistantMessage(content)
	msg.Error = true
	return msg
}

// NewCancelledMessage keeps partially streamed text and appends marker.
func NewCancelledMessage(partial, marker string) Message {
	msg := NewAssistantMessage(partial + marker)
	msg.Cancelled = true
	return msg
}

func (m Message) IsUser() bool {
	return m.Role == RoleUser
}

func (m Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

// IsDisplayable reports whether the message belongs in a rendered transcript.
// System and tool rows only exist in persisted records.
func (m Message) IsDisplayable() bool {
	return m.IsUser() || m.IsAssistant()
}

func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == ""
}

func (m Message) HasSuggestions() bool {
	return len(m.SuggestedValues) > 0 || len(m.SuggestedActions) > 0
}

func (m Message) WithTimestamp(t time.Time) Message {
	m.Timestamp = t
	return m
}
