// Package protocol defines the events carried by the chat stream and parses
// a single frame body into one of them.
package protocol

import (
	"encoding/json"

	"github.com/killallgit/chatstream/pkg/chat"
)

// EventType is the value of the "type" tag on the wire.
type EventType string

const (
	TypeTextDelta    EventType = "text_delta"
	TypeStatus       EventType = "status"
	TypeToolStart    EventType = "tool_start"
	TypeToolProgress EventType = "tool_progress"
	TypeToolComplete EventType = "tool_complete"
	TypeComplete     EventType = "complete"
	TypeError        EventType = "error"
	TypeCancelled    EventType = "cancelled"
)

// Event is one decoded stream event. The set of implementations is closed;
// switch on the concrete type.
type Event interface {
	Type() EventType
	isEvent()
}

type TextDelta struct {
	Text string `json:"text"`
}

type Status struct {
	Message string `json:"message"`
}

type ToolStart struct {
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"toolUseId"`
}

type ToolProgress struct {
	Tool     string          `json:"tool"`
	Stage    string          `json:"stage"`
	Message  string          `json:"message"`
	Progress float64         `json:"progress"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type ToolComplete struct {
	Tool  string `json:"tool"`
	Index int    `json:"index"`
}

type Complete struct {
	Payload ChatResponsePayload `json:"payload"`
}

type Error struct {
	Message string `json:"message"`
}

type Cancelled struct{}

// ChatResponsePayload is the structured result carried by a complete event.
type ChatResponsePayload struct {
	Message          string                 `json:"message"`
	SuggestedValues  []chat.SuggestedValue  `json:"suggestedValues,omitempty"`
	SuggestedActions []chat.SuggestedAction `json:"suggestedActions,omitempty"`
	CustomPayload    *chat.CustomPayload    `json:"customPayload,omitempty"`
	ToolHistory      []chat.ToolInvocation  `json:"toolHistory,omitempty"`
	ConversationID   *chat.ConversationID   `json:"conversationId,omitempty"`
}

func (TextDelta) Type() EventType    { return TypeTextDelta }
func (Status) Type() EventType       { return TypeStatus }
func (ToolStart) Type() EventType    { return TypeToolStart }
func (ToolProgress) Type() EventType { return TypeToolProgress }
func (ToolComplete) Type() EventType { return TypeToolComplete }
func (Complete) Type() EventType     { return TypeComplete }
func (Error) Type() EventType        { return TypeError }
func (Cancelled) Type() EventType    { return TypeCancelled }

func (TextDelta) isEvent()    {}
func (Status) isEvent()       {}
func (ToolStart) isEvent()    {}
func (ToolProgress) isEvent() {}
func (ToolComplete) isEvent() {}
func (Complete) isEvent()     {}
func (Error) isEvent()        {}
func (Cancelled) isEvent()    {}

// IsTerminal reports whether ev ends an exchange.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Complete, Error, Cancelled:
		return true
	default:
		return false
	}
}

// ToMessage converts the payload into a finalized assistant message.
func (p ChatResponsePayload) ToMessage() chat.Message {
	msg := chat.NewAssistantMessage(p.Message)
	msg.SuggestedValues = p.SuggestedValues
	msg.SuggestedActions = p.SuggestedActions
	msg.CustomPayload = p.CustomPayload
	msg.ToolHistory = p.ToolHistory
	return msg
}
