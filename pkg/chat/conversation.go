package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ConversationID identifies a durable conversation. Servers assign either
// numeric or string ids; ids in canonical integer form are written back as
// JSON numbers, everything else as strings.
type ConversationID string

func (id ConversationID) IsZero() bool {
	return id == ""
}

func (id ConversationID) String() string {
	return string(id)
}

func (id ConversationID) numeric() bool {
	if id == "" {
		return false
	}
	n, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil && strconv.FormatInt(n, 10) == string(id)
}

func (id ConversationID) MarshalJSON() ([]byte, error) {
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *ConversationID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ConversationID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("conversation id must be a string or number: %w", err)
	}
	*id = ConversationID(n.String())
	return nil
}

// AddMessage returns a copy of history with msg appended. The input slice is
// never written to, so snapshots handed to readers stay stable.
func AddMessage(history []Message, msg Message) []Message {
	messages := make([]Message, len(history)+1)
	copy(messages, history)
	messages[len(history)] = msg
	return messages
}

func GetMessages(history []Message) []Message {
	result := make([]Message, len(history))
	copy(result, history)
	return result
}

func GetLastMessage(history []Message) (Message, bool) {
	if len(history) == 0 {
		return Message{}, false
	}
	return history[len(history)-1], true
}

func GetLastAssistantMessage(history []Message) (Message, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsAssistant() {
			return history[i], true
		}
	}
	return Message{}, false
}

// Displayable filters history down to user and assistant turns.
func Displayable(history []Message) []Message {
	result := make([]Message, 0, len(history))
	for _, msg := range history {
		if msg.IsDisplayable() {
			result = append(result, msg)
		}
	}
	return result
}
