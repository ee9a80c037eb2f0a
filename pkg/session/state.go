package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/killallgit/chatstream/pkg/chat"
	"github.com/killallgit/chatstream/pkg/protocol"
)

// Phase is where the session is in the exchange lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseStreaming
	PhaseToolRunning
	PhaseCompleted
	PhaseErrored
	PhaseCancelled
)

// String returns the string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseToolRunning:
		return "tool_running"
	case PhaseCompleted:
		return "completed"
	case PhaseErrored:
		return "errored"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the last exchange has ended.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseErrored || p == PhaseCancelled
}

// ProgressRecord is one tool_progress update.
type ProgressRecord struct {
	Stage    string          `json:"stage"`
	Message  string          `json:"message"`
	Progress float64         `json:"progress"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ToolProgress tracks the single tool currently running.
type ToolProgress struct {
	Tool    string           `json:"tool"`
	Updates []ProgressRecord `json:"updates"`
}

// State is the live state of a session. Values are treated as immutable:
// every transition returns a new State and never writes through the slices
// or pointers of the old one, so a copy handed to a reader stays valid.
type State struct {
	Phase          Phase
	Messages       []chat.Message
	StreamingText  string
	StatusText     string
	ActiveTool     *ToolProgress
	Error          string
	IsLoading      bool
	ConversationID chat.ConversationID
}

// Begin starts an exchange: the user message is recorded before anything is
// sent and all transient fields are reset.
func Begin(s State, user chat.Message) State {
	s.Messages = chat.AddMessage(s.Messages, user)
	s = clearTransient(s)
	s.Error = ""
	s.IsLoading = true
	s.Phase = PhaseSending
	return s
}

// Reduce applies one event.
func Reduce(s State, ev protocol.Event) State {
	switch e := ev.(type) {
	case protocol.TextDelta:
		s.StatusText = ""
		s.StreamingText += e.Text
		if s.ActiveTool == nil {
			s.Phase = PhaseStreaming
		}

	case protocol.Status:
		s.StatusText = e.Message
		if s.Phase == PhaseSending {
			s.Phase = PhaseStreaming
		}

	case protocol.ToolStart:
		s.StatusText = RunningStatus(e.Tool)
		s.ActiveTool = &ToolProgress{Tool: e.Tool, Updates: []ProgressRecord{}}
		s.Phase = PhaseToolRunning

	case protocol.ToolProgress:
		record := ProgressRecord{
			Stage:    e.Stage,
			Message:  e.Message,
			Progress: e.Progress,
			Data:     e.Data,
		}
		if IsOrphanProgress(s, e) {
			s.ActiveTool = &ToolProgress{Tool: e.Tool, Updates: []ProgressRecord{record}}
		} else {
			updates := make([]ProgressRecord, len(s.ActiveTool.Updates), len(s.ActiveTool.Updates)+1)
			copy(updates, s.ActiveTool.Updates)
			s.ActiveTool = &ToolProgress{Tool: e.Tool, Updates: append(updates, record)}
		}
		s.Phase = PhaseToolRunning

	case protocol.ToolComplete:
		s.ActiveTool = nil
		s.StatusText = ""
		s.Phase = PhaseStreaming

	case protocol.Complete:
		msg := e.Payload.ToMessage()
		if msg.IsEmpty() {
			msg.Content = s.StreamingText
		}
		s.Messages = chat.AddMessage(s.Messages, msg)
		if id := e.Payload.ConversationID; id != nil && !id.IsZero() && s.ConversationID.IsZero() {
			s.ConversationID = *id
		}
		s = clearTransient(s)
		s.IsLoading = false
		s.Phase = PhaseCompleted

	case protocol.Error:
		s.Error = e.Message
		s.Messages = chat.AddMessage(s.Messages, chat.NewErrorMessage(e.Message))
		s = clearTransient(s)
		s.IsLoading = false
		s.Phase = PhaseErrored

	case protocol.Cancelled:
		s.StatusText = CancelledStatus
	}
	return s
}

// Fail ends the exchange the same way a server error event would, with a
// message chosen by the client.
func Fail(s State, message string) State {
	return Reduce(s, protocol.Error{Message: message})
}

// CancelPartial ends a cancelled exchange. Streamed text, if any, is kept as
// an assistant message with marker appended. The error field is left alone.
func CancelPartial(s State, marker string) State {
	if s.StreamingText != "" {
		s.Messages = chat.AddMessage(s.Messages, chat.NewCancelledMessage(s.StreamingText, marker))
	}
	s = clearTransient(s)
	s.IsLoading = false
	s.Phase = PhaseCancelled
	return s
}

// IsOrphanProgress reports whether ev arrives for a tool other than the one
// currently tracked, typically because its tool_start was never seen.
func IsOrphanProgress(s State, ev protocol.ToolProgress) bool {
	return s.ActiveTool == nil || s.ActiveTool.Tool != ev.Tool
}

const CancelledStatus = "Cancelled"

// RunningStatus is the status line shown while tool runs.
func RunningStatus(tool string) string {
	name := strings.ReplaceAll(tool, "_", " ")
	return fmt.Sprintf("Running %s…", name)
}

func clearTransient(s State) State {
	s.StreamingText = ""
	s.StatusText = ""
	s.ActiveTool = nil
	return s
}

// LastMessage returns the newest message in the transcript.
func (s State) LastMessage() (chat.Message, bool) {
	return chat.GetLastMessage(s.Messages)
}
