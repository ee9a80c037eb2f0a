// Package testutil provides scripted stand-ins for the chat server.
package testutil

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/killallgit/chatstream/pkg/chat"
	"github.com/killallgit/chatstream/pkg/protocol"
)

var ErrNoScript = errors.New("no scripted response left")

// Script is the response to one Open call.
type Script struct {
	// Body is the raw wire text.
	Body string
	// ChunkSize splits Body into reads of at most this many bytes. Zero sends
	// it in one piece.
	ChunkSize int
	// Hold keeps the stream open after Body until the request is cancelled.
	Hold bool
	// Err is returned by Open instead of a body.
	Err error
	// FailWith ends the stream with this read error after Body.
	FailWith error
}

// ScriptedTransport answers each Open with the next Script and records the
// requests it saw.
type ScriptedTransport struct {
	mu       sync.Mutex
	scripts  []Script
	requests []chat.ChatRequest
}

func NewScriptedTransport(scripts ...Script) *ScriptedTransport {
	return &ScriptedTransport{scripts: scripts}
}

// Push queues another response.
func (t *ScriptedTransport) Push(s Script) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts = append(t.scripts, s)
}

// Requests returns the requests received so far.
func (t *ScriptedTransport) Requests() []chat.ChatRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]chat.ChatRequest, len(t.requests))
	copy(out, t.requests)
	return out
}

func (t *ScriptedTransport) Open(ctx context.Context, req chat.ChatRequest) (io.ReadCloser, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	if len(t.scripts) == 0 {
		t.mu.Unlock()
		return nil, ErrNoScript
	}
	script := t.scripts[0]
	t.scripts = t.scripts[1:]
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if script.Err != nil {
		return nil, script.Err
	}

	pr, pw := io.Pipe()
	go play(ctx, pw, script)
	return pr, nil
}

func play(ctx context.Context, pw *io.PipeWriter, script Script) {
	for _, chunk := range Split(script.Body, script.ChunkSize) {
		if ctx.Err() != nil {
			pw.CloseWithError(ctx.Err())
			return
		}
		if _, err := pw.Write(chunk); err != nil {
			return
		}
	}

	if script.FailWith != nil {
		pw.CloseWithError(script.FailWith)
		return
	}
	if script.Hold {
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
		return
	}
	pw.Close()
}

// Split cuts s into pieces of at most size bytes, ignoring character
// boundaries.
func Split(s string, size int) [][]byte {
	if s == "" {
		return nil
	}
	if size <= 0 || size >= len(s) {
		return [][]byte{[]byte(s)}
	}
	var chunks [][]byte
	for len(s) > 0 {
		n := min(size, len(s))
		chunks = append(chunks, []byte(s[:n]))
		s = s[n:]
	}
	return chunks
}

// Frames renders events as wire text.
func Frames(events ...protocol.Event) string {
	var b strings.Builder
	for _, ev := range events {
		frame, err := protocol.Frame(ev)
		if err != nil {
			panic(err)
		}
		b.Write(frame)
	}
	return b.String()
}
