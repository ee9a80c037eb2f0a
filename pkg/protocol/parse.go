package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrInvalidJSON means the body is not a complete JSON document. Inside a
	// live stream this is how a frame cut by a chunk boundary looks.
	ErrInvalidJSON = errors.New("frame body is not valid JSON")
	// ErrUnknownType means the body is valid JSON with a tag this client does
	// not know.
	ErrUnknownType = errors.New("unknown event type")
)

// Parse decodes one frame body into an Event.
func Parse(body []byte) (Event, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidJSON
	}

	tag := gjson.GetBytes(body, "type")
	if !tag.Exists() {
		return nil, fmt.Errorf("%w: missing type field", ErrUnknownType)
	}

	switch EventType(tag.String()) {
	case TypeTextDelta:
		return decode[TextDelta](body)
	case TypeStatus:
		return decode[Status](body)
	case TypeToolStart:
		return decode[ToolStart](body)
	case TypeToolProgress:
		return decode[ToolProgress](body)
	case TypeToolComplete:
		return decode[ToolComplete](body)
	case TypeComplete:
		return decode[Complete](body)
	case TypeError:
		return decode[Error](body)
	case TypeCancelled:
		return Cancelled{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag.String())
	}
}

func decode[T Event](body []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", ev.Type(), err)
	}
	return ev, nil
}

// Marshal encodes ev with its type tag, in the same shape Parse accepts.
func Marshal(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	tag, _ := json.Marshal(ev.Type())
	fields["type"] = tag
	return json.Marshal(fields)
}

// Frame renders ev as one wire frame including the trailing newline.
func Frame(ev Event) ([]byte, error) {
	body, err := Marshal(ev)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+7)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	return append(frame, '\n'), nil
}
