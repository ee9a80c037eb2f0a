// Package session drives one conversation: it sends user turns, folds the
// streamed events into State and reconciles the outcome into history.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/killallgit/chatstream/pkg/chat"
	"github.com/killallgit/chatstream/pkg/logger"
	"github.com/killallgit/chatstream/pkg/protocol"
	"github.com/killallgit/chatstream/pkg/store"
	"github.com/killallgit/chatstream/pkg/stream"
)

// DefaultCancelMarker is appended to partial text when an exchange is
// cancelled.
const DefaultCancelMarker = "\n\n*[Response cancelled]*"

var log = logger.WithComponent("session")

// Transport opens the response stream of one exchange. Cancelling ctx must
// stop chunk delivery. Errors wrapping chat.ErrInvalidRequest mean nothing
// was sent.
type Transport interface {
	Open(ctx context.Context, req chat.ChatRequest) (io.ReadCloser, error)
}

// Handler is notified from the goroutine running Send.
type Handler interface {
	// OnEvent is called after each event has been applied.
	OnEvent(ev protocol.Event, st State)
	// OnMessage is called when an exchange appends an assistant message.
	OnMessage(msg chat.Message)
	// OnError is called when an exchange ends in error.
	OnError(err error)
}

// HandlerFunc is a function adapter for Handler interface
type HandlerFunc struct {
	EventFunc   func(ev protocol.Event, st State)
	MessageFunc func(msg chat.Message)
	ErrorFunc   func(err error)
}

// OnEvent implements Handler
func (h HandlerFunc) OnEvent(ev protocol.Event, st State) {
	if h.EventFunc != nil {
		h.EventFunc(ev, st)
	}
}

// OnMessage implements Handler
func (h HandlerFunc) OnMessage(msg chat.Message) {
	if h.MessageFunc != nil {
		h.MessageFunc(msg)
	}
}

// OnError implements Handler
func (h HandlerFunc) OnError(err error) {
	if h.ErrorFunc != nil {
		h.ErrorFunc(err)
	}
}

type Option func(*Session)

// WithStore sets the store used by Resume and mirroring.
func WithStore(cs store.ConversationStore) Option {
	return func(s *Session) {
		s.store = cs
	}
}

// WithMirror appends every finished exchange to the store.
func WithMirror(enabled bool) Option {
	return func(s *Session) {
		s.mirror = enabled
	}
}

func WithHandler(h Handler) Option {
	return func(s *Session) {
		if h != nil {
			s.handler = h
		}
	}
}

func WithCancelMarker(marker string) Option {
	return func(s *Session) {
		if marker != "" {
			s.marker = marker
		}
	}
}

// WithHistoryLimit bounds how many prior turns are sent. Zero sends all.
func WithHistoryLimit(n int) Option {
	return func(s *Session) {
		s.historyLimit = n
	}
}

// WithContext sets the free-form context map sent with every request.
func WithContext(values map[string]any) Option {
	return func(s *Session) {
		s.context = values
	}
}

// WithConversationID starts the session bound to an existing conversation.
func WithConversationID(id chat.ConversationID) Option {
	return func(s *Session) {
		s.state.ConversationID = id
	}
}

// Session holds the live state of one conversation. Send runs an exchange on
// the caller's goroutine; State, History and Cancel may be called from any
// goroutine.
type Session struct {
	transport    Transport
	store        store.ConversationStore
	handler      Handler
	marker       string
	historyLimit int
	context      map[string]any
	mirror       bool

	mu      sync.RWMutex
	state   State
	current *exchange
	localID chat.ConversationID
}

func New(transport Transport, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		handler:   HandlerFunc{},
		marker:    DefaultCancelMarker,
		context:   map[string]any{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns a snapshot of the live state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// History returns a copy of the message history.
func (s *Session) History() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return chat.GetMessages(s.state.Messages)
}

func (s *Session) ConversationID() chat.ConversationID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ConversationID
}

// Busy reports whether an exchange is in flight.
func (s *Session) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// Send sends a typed user message and blocks until the exchange ends. The
// outcome, including failures, is recorded in State; the returned error only
// reports a message that could not be sent at all.
//
// Sending while another exchange is in flight supersedes it: the older
// exchange is aborted and its streamed text is discarded without adding a
// cancelled message, so the transcript shows only the newer turn's reply.
func (s *Session) Send(ctx context.Context, text string) error {
	return s.send(ctx, chat.NewUserMessage(text), chat.InteractionTextInput, nil)
}

// SendValue answers with a suggested value.
func (s *Session) SendValue(ctx context.Context, v chat.SuggestedValue) error {
	return s.send(ctx, chat.NewUserMessage(v.Value), chat.InteractionValueSelected, nil)
}

// SendAction reports a triggered server-side suggested action. Client-side
// actions return ErrClientAction.
func (s *Session) SendAction(ctx context.Context, a chat.SuggestedAction) error {
	if a.HandlerLocation == chat.HandlerClient {
		return ErrClientAction
	}

	meta := &chat.ActionMetadata{ActionID: a.ActionID, Label: a.Label}
	if len(a.Data) > 0 {
		meta.Data = a.Data
	}
	return s.send(ctx, chat.NewUserMessage(a.Label), chat.InteractionActionExecuted, meta)
}

// Cancel aborts the in-flight exchange. It is safe to call at any time and
// more than once; it reports whether there was anything to cancel.
func (s *Session) Cancel() bool {
	s.mu.RLock()
	ex := s.current
	s.mu.RUnlock()

	if ex == nil {
		return false
	}
	ex.abort(reasonCancelled)
	return true
}

// Resume replaces the history with the stored conversation id and binds it.
func (s *Session) Resume(ctx context.Context, id chat.ConversationID) error {
	if s.store == nil {
		return ErrNoStore
	}

	msgs, err := s.store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return ErrBusy
	}
	s.state = State{Phase: PhaseIdle, Messages: msgs, ConversationID: id}
	s.localID = ""
	log.Info("Resumed conversation", "conversation", id.String(), "messages", len(msgs))
	return nil
}

// NewConversation clears the history and unbinds the conversation id.
func (s *Session) NewConversation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return ErrBusy
	}
	s.state = State{}
	s.localID = ""
	return nil
}

func (s *Session) send(ctx context.Context, user chat.Message, interaction chat.InteractionType, action *chat.ActionMetadata) error {
	if user.IsEmpty() {
		return ErrEmptyMessage
	}
	if s.transport == nil {
		return ErrNoTransport
	}

	s.mu.Lock()
	if s.current != nil {
		log.Info("Superseding in-flight exchange", "exchange", s.current.id)
		s.current.abort(reasonSuperseded)
	}
	ex := newExchange(ctx)
	s.current = ex
	prev := s.state
	if len(s.context) > 0 {
		user.Context = s.context
	}
	req := chat.ChatRequest{
		Message:         user.Content,
		Context:         s.context,
		InteractionType: interaction,
		Action:          action,
		History:         chat.BuildHistory(prev.Messages, s.historyLimit),
	}
	if !prev.ConversationID.IsZero() {
		id := prev.ConversationID
		req.ConversationID = &id
	}
	s.state = Begin(prev, user)
	s.mu.Unlock()
	defer ex.release()

	log.Debug("Exchange started", "exchange", ex.id, "interaction", string(interaction))

	body, err := s.transport.Open(ex.ctx, req)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidRequest) {
			s.rollback(ex, prev)
			return err
		}
		s.finish(ex, user, err)
		return nil
	}

	dec := stream.NewDecoder(body)
	defer dec.Close()

	for {
		ev, err := dec.Next(ex.ctx)
		if err != nil {
			s.finish(ex, user, err)
			return nil
		}
		if s.dispatch(ex, user, ev) {
			return nil
		}
	}
}

// dispatch applies one event and reports whether it ended the exchange.
func (s *Session) dispatch(ex *exchange, user chat.Message, ev protocol.Event) bool {
	// Once the token is signalled no further event is applied; the next read
	// reports the cancellation.
	if ex.ctx.Err() != nil {
		return false
	}

	if !protocol.IsTerminal(ev) {
		s.mu.Lock()
		if s.current != ex {
			s.mu.Unlock()
			return false
		}
		if tp, ok := ev.(protocol.ToolProgress); ok && IsOrphanProgress(s.state, tp) {
			log.Warn("Progress for a tool that was not started", "exchange", ex.id, "tool", tp.Tool)
		}
		s.state = Reduce(s.state, ev)
		st := s.state
		s.mu.Unlock()

		s.handler.OnEvent(ev, st)
		return false
	}

	var observed State
	final, added, ok := s.conclude(ex, func(st State) State {
		if c, isComplete := ev.(protocol.Complete); isComplete {
			if id := c.Payload.ConversationID; id != nil && !st.ConversationID.IsZero() && *id != st.ConversationID {
				log.Warn("Ignoring conversation id change", "bound", st.ConversationID.String(), "received", id.String())
			}
		}
		st = Reduce(st, ev)
		observed = st
		if _, cancelled := ev.(protocol.Cancelled); cancelled {
			st = CancelPartial(st, s.marker)
		}
		return st
	})
	if !ok {
		return true
	}

	s.handler.OnEvent(ev, observed)
	if added != nil {
		s.handler.OnMessage(*added)
	}
	if e, isError := ev.(protocol.Error); isError {
		log.Warn("Server reported an error", "exchange", ex.id, "message", e.Message)
		s.handler.OnError(&ServerError{Message: e.Message})
	}
	log.Debug("Exchange finished", "exchange", ex.id, "phase", final.Phase.String())
	s.mirrorExchange(ex, user, final, added)
	return true
}

// finish ends an exchange whose stream stopped without a terminal event.
func (s *Session) finish(ex *exchange, user chat.Message, err error) {
	if ex.endReason() == reasonSuperseded {
		log.Debug("Dropping superseded exchange", "exchange", ex.id)
		return
	}

	var (
		transition func(State) State
		reported   error
	)
	switch {
	case ex.ctx.Err() != nil:
		log.Info("Exchange cancelled", "exchange", ex.id)
		transition = func(st State) State { return CancelPartial(st, s.marker) }
	case errors.Is(err, stream.ErrMalformedFrame):
		log.Error("Malformed stream", "exchange", ex.id, "error", err.Error())
		message := malformedMessage(err)
		transition = func(st State) State { return Fail(st, message) }
		reported = err
	case errors.Is(err, io.EOF):
		log.Error("Stream ended without a terminal event", "exchange", ex.id)
		transition = func(st State) State { return Fail(st, GenericFailure) }
		reported = io.ErrUnexpectedEOF
	default:
		log.Error("Transport failure", "exchange", ex.id, "error", err.Error())
		transition = func(st State) State { return Fail(st, GenericFailure) }
		reported = err
	}

	final, added, ok := s.conclude(ex, transition)
	if !ok {
		return
	}
	if added != nil {
		s.handler.OnMessage(*added)
	}
	if reported != nil {
		s.handler.OnError(reported)
	}
	s.mirrorExchange(ex, user, final, added)
}

// conclude applies the terminal transition of ex and returns the resulting
// state and the assistant message it appended, if any. It reports false when
// ex is no longer the current exchange.
func (s *Session) conclude(ex *exchange, transition func(State) State) (State, *chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != ex {
		return State{}, nil, false
	}

	before := len(s.state.Messages)
	s.state = transition(s.state)
	s.current = nil

	var added *chat.Message
	if n := len(s.state.Messages); n > before {
		msg := s.state.Messages[n-1]
		added = &msg
	}
	return s.state, added, true
}

func (s *Session) rollback(ex *exchange, prev State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == ex {
		s.state = prev
		s.current = nil
	}
}

// mirrorExchange appends the user turn and its reply to the store. Error
// replies are not stored. Failures are logged only.
func (s *Session) mirrorExchange(ex *exchange, user chat.Message, final State, reply *chat.Message) {
	if s.store == nil || !s.mirror {
		return
	}

	ctx := context.WithoutCancel(ex.ctx)
	id, err := s.mirrorTarget(ctx, final.ConversationID)
	if err != nil {
		log.Warn("Failed to mirror exchange", "exchange", ex.id, "error", err.Error())
		return
	}

	msgs := []chat.Message{user}
	if reply != nil && !reply.Error {
		msgs = append(msgs, *reply)
	}
	for _, msg := range msgs {
		if err := s.store.Append(ctx, id, msg); err != nil {
			log.Warn("Failed to mirror message", "exchange", ex.id, "conversation", id.String(), "error", err.Error())
			return
		}
	}
}

// mirrorTarget is the bound conversation, or a local one created on first use
// while the server has not assigned an id.
func (s *Session) mirrorTarget(ctx context.Context, bound chat.ConversationID) (chat.ConversationID, error) {
	if !bound.IsZero() {
		c, err := s.store.CreateOrGet(ctx, bound)
		return c.ID, err
	}

	s.mu.RLock()
	local := s.localID
	s.mu.RUnlock()
	if !local.IsZero() {
		return local, nil
	}

	c, err := s.store.CreateOrGet(ctx, "")
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.localID = c.ID
	s.mu.Unlock()
	return c.ID, nil
}
