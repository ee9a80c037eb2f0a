// Package stream turns the raw bytes of a chat response into protocol events.
//
// The wire format is newline-delimited frames of the form
//
//	data: <JSON>
//
// Chunk boundaries are arbitrary: a frame may be split anywhere, including
// inside a multi-byte character. A frame whose body does not parse yet is
// assumed to be incomplete and is carried over to the next chunk.
package stream

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/killallgit/chatstream/pkg/logger"
	"github.com/killallgit/chatstream/pkg/protocol"
)

const (
	dataMarker = "data:"
	keepAlive  = "ping"

	maxQuoted = 80

	// maxJoinedLines bounds how many continuation lines are joined onto a
	// frame body that does not parse on its own.
	maxJoinedLines = 64
)

// ErrMalformedFrame is reported when the stream ends while buffered content
// still cannot be parsed.
var ErrMalformedFrame = errors.New("malformed frame")

// DecodeError carries the frame body that failed to parse at end of stream.
type DecodeError struct {
	Body string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %q: %v", ErrMalformedFrame, Quote(e.Body), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedFrame
}

// Quote shortens body for display.
func Quote(body string) string {
	runes := []rune(body)
	if len(runes) <= maxQuoted {
		return body
	}
	return string(runes[:maxQuoted]) + "…"
}

// Decode appends chunk to buf and returns every event that can be decoded,
// in order, together with the bytes that must be kept for the next call.
//
// When a frame fails to parse, that frame and everything after it is pushed
// back unchanged and the scan stops; the next chunk usually completes it.
// Frames with a tag this client does not know are skipped.
//
// buf must be the rest returned by the previous call, or nil. Its spare
// capacity is reused, so an earlier rest must not be passed twice.
func Decode(buf, chunk []byte) ([]protocol.Event, []byte) {
	pending := append(buf, chunk...)

	events, rest, _ := scan(pending, false)
	if len(rest) == 0 {
		return events, nil
	}
	return events, rest
}

// Flush parses whatever is left in buf once the source is exhausted. A line
// without a trailing newline is treated as complete. Any body that still
// fails to parse yields a *DecodeError.
func Flush(buf []byte) ([]protocol.Event, error) {
	events, _, err := scan(buf, true)
	return events, err
}

func scan(data []byte, final bool) ([]protocol.Event, []byte, error) {
	var events []protocol.Event

	for len(data) > 0 {
		line, rest, ok := nextLine(data, final)
		if !ok {
			break
		}

		body, isFrame := frameBody(line)
		if !isFrame {
			data = rest
			continue
		}

		ev, rest, err := parseFrame(body, rest, final)
		switch {
		case err == nil:
			events = append(events, ev)
		case errors.Is(err, protocol.ErrInvalidJSON):
			if final {
				return events, nil, &DecodeError{Body: string(body), Err: err}
			}
			return events, data, nil
		case errors.Is(err, protocol.ErrUnknownType):
			logger.Debug("Skipping frame: %v", err)
		default:
			logger.Warn("Skipping undecodable frame %q: %v", Quote(string(body)), err)
		}
		data = rest
	}

	return events, data, nil
}

// parseFrame parses body. A body that is not valid JSON on its own may be a
// frame whose JSON spans several lines, so following complete lines are
// joined onto it until it parses. Joining stops at the next data line, after
// maxJoinedLines lines, or when no complete line is left.
func parseFrame(body, rest []byte, final bool) (protocol.Event, []byte, error) {
	ev, err := protocol.Parse(body)
	if !errors.Is(err, protocol.ErrInvalidJSON) {
		return ev, rest, err
	}

	joined := append([]byte(nil), body...)
	for n := 0; len(rest) > 0 && n < maxJoinedLines; n++ {
		line, next, ok := nextLine(rest, final)
		if !ok || bytes.HasPrefix(line, []byte(dataMarker)) {
			break
		}
		joined = append(joined, '\n')
		joined = append(joined, bytes.TrimSuffix(line, []byte("\r"))...)
		rest = next

		ev, err = protocol.Parse(joined)
		if !errors.Is(err, protocol.ErrInvalidJSON) {
			return ev, rest, err
		}
	}
	return nil, rest, err
}

// nextLine splits off the first line of data. Without a newline the data is
// only a line once the stream has ended.
func nextLine(data []byte, final bool) (line, rest []byte, ok bool) {
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		return data[:idx], data[idx+1:], true
	}
	if final && len(data) > 0 {
		return data, nil, true
	}
	return nil, data, false
}

// frameBody extracts the payload of a data line. Lines without the marker and
// keep-alives report false.
func frameBody(line []byte) ([]byte, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte(dataMarker)) {
		return nil, false
	}

	body := bytes.TrimSpace(line[len(dataMarker):])
	if len(body) == 0 || string(body) == keepAlive {
		return nil, false
	}
	return body, true
}
