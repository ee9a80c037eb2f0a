package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/killallgit/chatstream/pkg/chat"
	"github.com/killallgit/chatstream/pkg/protocol"
	"github.com/killallgit/chatstream/pkg/session"
	"github.com/killallgit/chatstream/pkg/store"
	"github.com/killallgit/chatstream/pkg/testutil"
	"github.com/killallgit/chatstream/pkg/transport"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// recorder collects handler callbacks.
type recorder struct {
	mu       sync.Mutex
	events   []protocol.Event
	states   []session.State
	messages []chat.Message
	errs     []error

	onEvent func(ev protocol.Event, st session.State)
}

func (r *recorder) OnEvent(ev protocol.Event, st session.State) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.states = append(r.states, st)
	hook := r.onEvent
	r.mu.Unlock()
	if hook != nil {
		hook(ev, st)
	}
}

func (r *recorder) OnMessage(msg chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func convID(s string) *chat.ConversationID {
	id := chat.ConversationID(s)
	return &id
}

func complete(message string) protocol.Complete {
	return protocol.Complete{Payload: protocol.ChatResponsePayload{Message: message}}
}

var _ = Describe("Session", func() {
	var (
		ctx      context.Context
		scripted *testutil.ScriptedTransport
		rec      *recorder
	)

	BeforeEach(func() {
		ctx = context.Background()
		scripted = testutil.NewScriptedTransport()
		rec = &recorder{}
	})

	newSession := func(opts ...session.Option) *session.Session {
		return session.New(scripted, append([]session.Option{session.WithHandler(rec)}, opts...)...)
	}

	Describe("a completed exchange", func() {
		It("should stream text and append the final message", func() {
			scripted.Push(testutil.Script{
				Body:      testutil.Frames(protocol.TextDelta{Text: "Hel"}, protocol.TextDelta{Text: "lo"}, complete("Hello")),
				ChunkSize: 3,
			})
			s := newSession()

			Expect(s.Send(ctx, "Hi")).To(Succeed())

			st := s.State()
			Expect(st.Phase).To(Equal(session.PhaseCompleted))
			Expect(st.IsLoading).To(BeFalse())
			Expect(st.StreamingText).To(BeEmpty())
			Expect(st.Messages).To(HaveLen(2))
			Expect(st.Messages[0].Content).To(Equal("Hi"))
			Expect(st.Messages[1].Content).To(Equal("Hello"))
			Expect(s.Busy()).To(BeFalse())

			Expect(rec.states).To(HaveLen(3))
			Expect(rec.states[0].StreamingText).To(Equal("Hel"))
			Expect(rec.states[1].StreamingText).To(Equal("Hello"))
			Expect(rec.messages).To(HaveLen(1))
			Expect(rec.messages[0].Content).To(Equal("Hello"))
			Expect(rec.Errors()).To(BeEmpty())
		})

		It("should send the turn with its context", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(complete("ok"))})
			s := newSession(session.WithContext(map[string]any{"page": "checkout"}))

			Expect(s.Send(ctx, "  Hi  ")).To(Succeed())

			reqs := scripted.Requests()
			Expect(reqs).To(HaveLen(1))
			Expect(reqs[0].Message).To(Equal("  Hi  "))
			Expect(reqs[0].InteractionType).To(Equal(chat.InteractionTextInput))
			Expect(reqs[0].Context).To(HaveKeyWithValue("page", "checkout"))
			Expect(s.State().Messages[0].Content).To(Equal("  Hi  "))
			Expect(s.State().Messages[0].Context).To(HaveKeyWithValue("page", "checkout"))
			Expect(reqs[0].History).To(BeEmpty())
			Expect(reqs[0].ConversationID).To(BeNil())
		})

		It("should show tool progress while the tool runs", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(
				protocol.ToolStart{Tool: "search_kb"},
				protocol.ToolProgress{Tool: "search_kb", Stage: "fetch", Progress: 0.5},
				protocol.ToolComplete{Tool: "search_kb"},
				protocol.TextDelta{Text: "Found it"},
				complete(""),
			)})
			s := newSession()

			Expect(s.Send(ctx, "find")).To(Succeed())

			Expect(rec.states[1].StatusText).To(Equal("Running search kb…"))
			Expect(rec.states[1].ActiveTool.Updates).To(HaveLen(1))
			Expect(rec.states[2].ActiveTool).To(BeNil())
			last, _ := s.State().LastMessage()
			Expect(last.Content).To(Equal("Found it"))
		})

		It("should bind the conversation id and send it next time", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(protocol.Complete{Payload: protocol.ChatResponsePayload{
				Message: "first", ConversationID: convID("42"),
			}})})
			scripted.Push(testutil.Script{Body: testutil.Frames(protocol.Complete{Payload: protocol.ChatResponsePayload{
				Message: "second", ConversationID: convID("99"),
			}})})
			s := newSession()

			Expect(s.Send(ctx, "one")).To(Succeed())
			Expect(s.ConversationID()).To(Equal(chat.ConversationID("42")))

			Expect(s.Send(ctx, "two")).To(Succeed())
			Expect(s.ConversationID()).To(Equal(chat.ConversationID("42")))

			reqs := scripted.Requests()
			Expect(reqs[1].ConversationID).NotTo(BeNil())
			Expect(*reqs[1].ConversationID).To(Equal(chat.ConversationID("42")))
			Expect(reqs[1].History).To(HaveLen(2))
			Expect(reqs[1].History[1].Content).To(Equal("first"))
		})

		It("should bound the history it sends", func() {
			for i := 0; i < 3; i++ {
				scripted.Push(testutil.Script{Body: testutil.Frames(complete(fmt.Sprintf("reply %d", i)))})
			}
			s := newSession(session.WithHistoryLimit(2))

			for i := 0; i < 3; i++ {
				Expect(s.Send(ctx, fmt.Sprintf("turn %d", i))).To(Succeed())
			}

			history := scripted.Requests()[2].History
			Expect(history).To(HaveLen(2))
			Expect(history[0].Content).To(Equal("turn 1"))
			Expect(history[1].Content).To(Equal("reply 1"))
		})
	})

	Describe("server errors", func() {
		It("should surface the error in the transcript", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(
				protocol.TextDelta{Text: "part"},
				protocol.Error{Message: "Model overloaded"},
			)})
			s := newSession()

			Expect(s.Send(ctx, "Hi")).To(Succeed())

			st := s.State()
			Expect(st.Phase).To(Equal(session.PhaseErrored))
			Expect(st.Error).To(Equal("Model overloaded"))
			last, _ := st.LastMessage()
			Expect(last.Content).To(Equal("Model overloaded"))
			Expect(last.Error).To(BeTrue())

			errs := rec.Errors()
			Expect(errs).To(HaveLen(1))
			var serverErr *session.ServerError
			Expect(errors.As(errs[0], &serverErr)).To(BeTrue())
			Expect(serverErr.Message).To(Equal("Model overloaded"))
		})
	})

	Describe("cancellation", func() {
		It("should keep the partial reply with the marker", func() {
			scripted.Push(testutil.Script{
				Body: testutil.Frames(protocol.TextDelta{Text: "Partial ans"}, protocol.TextDelta{Text: "wer never shown"}),
				Hold: true,
			})
			s := newSession()
			rec.onEvent = func(ev protocol.Event, st session.State) {
				if st.StreamingText == "Partial ans" {
					Expect(s.Cancel()).To(BeTrue())
				}
			}

			Expect(s.Send(ctx, "Hi")).To(Succeed())

			st := s.State()
			Expect(st.Phase).To(Equal(session.PhaseCancelled))
			Expect(st.IsLoading).To(BeFalse())
			Expect(st.Error).To(BeEmpty())
			Expect(st.Messages).To(HaveLen(2))
			Expect(st.Messages[1].Content).To(Equal("Partial ans\n\n*[Response cancelled]*"))
			Expect(st.Messages[1].Cancelled).To(BeTrue())
			Expect(rec.events).To(HaveLen(1))
			Expect(rec.Errors()).To(BeEmpty())
		})

		It("should append nothing when cancelled before any text", func() {
			scripted.Push(testutil.Script{
				Body: testutil.Frames(protocol.Status{Message: "Thinking"}),
				Hold: true,
			})
			s := newSession()
			rec.onEvent = func(protocol.Event, session.State) {
				s.Cancel()
			}

			Expect(s.Send(ctx, "Hi")).To(Succeed())

			st := s.State()
			Expect(st.Phase).To(Equal(session.PhaseCancelled))
			Expect(st.Messages).To(HaveLen(1))
			Expect(st.StatusText).To(BeEmpty())
		})

		It("should be idempotent", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(protocol.TextDelta{Text: "abc"}), Hold: true})
			s := newSession()
			rec.onEvent = func(protocol.Event, session.State) {
				Expect(s.Cancel()).To(BeTrue())
				Expect(s.Cancel()).To(BeTrue())
			}

			Expect(s.Send(ctx, "Hi")).To(Succeed())

			Expect(s.State().Messages).To(HaveLen(2))
			Expect(s.Cancel()).To(BeFalse())
		})

		It("should do nothing after the exchange has ended", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(complete("done"))})
			s := newSession()

			Expect(s.Cancel()).To(BeFalse())
			Expect(s.Send(ctx, "Hi")).To(Succeed())
			before := s.State()

			Expect(s.Cancel()).To(BeFalse())
			Expect(s.State()).To(Equal(before))
		})

		It("should honour a server cancelled event", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(protocol.TextDelta{Text: "abc"}, protocol.Cancelled{})})
			s := newSession(session.WithCancelMarker(" [stopped]"))

			Expect(s.Send(ctx, "Hi")).To(Succeed())

			Expect(rec.states[len(rec.states)-1].StatusText).To(Equal(session.CancelledStatus))
			st := s.State()
			Expect(st.Phase).To(Equal(session.PhaseCancelled))
			last, _ := st.LastMessage()
			Expect(last.Content).To(Equal("abc [stopped]"))
		})

		It("should treat an already cancelled context as cancellation", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(complete("never"))})
			s := newSession()
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			Expect(s.Send(cancelled, "Hi")).To(Succeed())

			st := s.State()
			Expect(st.Phase).To(Equal(session.PhaseCancelled))
			Expect(st.Messages).To(HaveLen(1))
			Expect(rec.Errors()).To(BeEmpty())
		})
	})

	Describe("failures", func() {
		It("should show a generic message on scripted failure", func() {
			refused := errors.New("connection refused")
			scripted.Push(testutil.Script{Err: refused})
			s := newSession()

			Expect(s.Send(ctx, "Hi")).To(Succeed())

			st := s.State()
			Expect(st.Phase).To(Equal(session.PhaseErrored))
			Expect(st.Error).To(Equal(session.GenericFailure))
			Expect(st.Messages).To(HaveLen(2))
			Expect(rec.Errors()).To(ConsistOf(MatchError(refused)))
		})

		It("should hide a read error behind the generic message", func() {
			reset := errors.New("connection reset by peer")
			scripted.Push(testutil.Script{Body: testutil.Frames(protocol.TextDelta{Text: "abc"}), FailWith: reset})
			s := newSession()

			Expect(s.Send(ctx, "Hi")).To(Succeed())

			st := s.State()
			Expect(st.Phase).To(Equal(session.PhaseErrored))
			Expect(st.Error).To(Equal(session.GenericFailure))
			last, _ := st.LastMessage()
			Expect(last.Content).NotTo(ContainSubstring("reset"))
			Expect(rec.Errors()).To(ConsistOf(MatchError(reset)))
		})

		It("should fail a stream that ends without a terminal event", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(protocol.TextDelta{Text: "abc"})})
			s := newSession()

			Expect(s.Send(ctx, "Hi")).To(Succeed())

			st := s.State()
			Expect(st.Phase).To(Equal(session.PhaseErrored))
			Expect(st.Error).To(Equal(session.GenericFailure))
			Expect(st.StreamingText).To(BeEmpty())
			Expect(rec.Errors()).To(ConsistOf(MatchError(io.ErrUnexpectedEOF)))
		})

		It("should quote a malformed tail", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(protocol.TextDelta{Text: "abc"}) + `data: {"type":"text_delta","te`})
			s := newSession()

			Expect(s.Send(ctx, "Hi")).To(Succeed())

			st := s.State()
			Expect(st.Phase).To(Equal(session.PhaseErrored))
			Expect(st.Error).To(HavePrefix("The server sent a malformed response: "))
			Expect(st.Error).To(ContainSubstring(`text_delta`))
			errs := rec.Errors()
			Expect(errs).To(HaveLen(1))
			Expect(errs[0]).To(MatchError(ContainSubstring("malformed")))
		})

		It("should roll back a request that could not be built", func() {
			scripted.Push(testutil.Script{Err: fmt.Errorf("encode body: %w", chat.ErrInvalidRequest)})
			s := newSession()

			err := s.Send(ctx, "Hi")

			Expect(err).To(MatchError(chat.ErrInvalidRequest))
			Expect(s.State()).To(Equal(session.State{}))
			Expect(s.Busy()).To(BeFalse())
		})

		It("should reject empty input without a request", func() {
			s := newSession()

			Expect(s.Send(ctx, "   ")).To(MatchError(session.ErrEmptyMessage))
			Expect(scripted.Requests()).To(BeEmpty())
		})

		It("should refuse to send without a transport", func() {
			s := session.New(nil)
			Expect(s.Send(ctx, "Hi")).To(MatchError(session.ErrNoTransport))
		})
	})

	Describe("superseding", func() {
		It("should drop the older exchange", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(protocol.TextDelta{Text: "first"}), Hold: true})
			scripted.Push(testutil.Script{Body: testutil.Frames(complete("second reply"))})
			s := newSession()

			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				done <- s.Send(ctx, "one")
			}()
			Eventually(func() string { return s.State().StreamingText }).Should(Equal("first"))

			Expect(s.Send(ctx, "two")).To(Succeed())
			Eventually(done).Should(Receive(BeNil()))

			st := s.State()
			Expect(st.Phase).To(Equal(session.PhaseCompleted))
			Expect(st.Messages).To(HaveLen(3))
			Expect(st.Messages[0].Content).To(Equal("one"))
			Expect(st.Messages[1].Content).To(Equal("two"))
			Expect(st.Messages[2].Content).To(Equal("second reply"))
			for _, m := range st.Messages {
				Expect(m.Cancelled).To(BeFalse())
				Expect(m.Content).NotTo(ContainSubstring("first"))
			}
			Expect(rec.Errors()).To(BeEmpty())
			Expect(s.Busy()).To(BeFalse())
		})
	})

	Describe("suggestions", func() {
		It("should send a selected value", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(complete("ok"))})
			s := newSession()

			Expect(s.SendValue(ctx, chat.SuggestedValue{Label: "Yes please", Value: "yes"})).To(Succeed())

			req := scripted.Requests()[0]
			Expect(req.Message).To(Equal("yes"))
			Expect(req.InteractionType).To(Equal(chat.InteractionValueSelected))
		})

		It("should send a server action", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(complete("ok"))})
			s := newSession()

			Expect(s.SendAction(ctx, chat.SuggestedAction{
				Label:           "Track order",
				ActionID:        "track",
				HandlerLocation: chat.HandlerServer,
			})).To(Succeed())

			req := scripted.Requests()[0]
			Expect(req.Message).To(Equal("Track order"))
			Expect(req.InteractionType).To(Equal(chat.InteractionActionExecuted))
			Expect(req.Action).NotTo(BeNil())
			Expect(req.Action.ActionID).To(Equal("track"))
		})

		It("should leave client actions to the caller", func() {
			s := newSession()

			err := s.SendAction(ctx, chat.SuggestedAction{Label: "Open", ActionID: "open", HandlerLocation: chat.HandlerClient})

			Expect(err).To(MatchError(session.ErrClientAction))
			Expect(scripted.Requests()).To(BeEmpty())
		})
	})

	Describe("conversations", func() {
		var mem *store.MemoryStore

		BeforeEach(func() {
			mem = store.NewMemoryStore()
		})

		It("should resume a stored conversation", func() {
			conv, err := mem.CreateOrGet(ctx, "7")
			Expect(err).NotTo(HaveOccurred())
			Expect(mem.Append(ctx, conv.ID, chat.NewUserMessage("earlier"))).To(Succeed())
			Expect(mem.Append(ctx, conv.ID, chat.NewAssistantMessage("answer"))).To(Succeed())
			scripted.Push(testutil.Script{Body: testutil.Frames(complete("ok"))})
			s := newSession(session.WithStore(mem))

			Expect(s.Resume(ctx, "7")).To(Succeed())
			Expect(s.History()).To(HaveLen(2))
			Expect(s.ConversationID()).To(Equal(chat.ConversationID("7")))

			Expect(s.Send(ctx, "again")).To(Succeed())
			req := scripted.Requests()[0]
			Expect(*req.ConversationID).To(Equal(chat.ConversationID("7")))
			Expect(req.History).To(HaveLen(2))
		})

		It("should report a missing conversation", func() {
			s := newSession(session.WithStore(mem))
			Expect(s.Resume(ctx, "404")).To(MatchError(store.ErrNotFound))
		})

		It("should require a store to resume", func() {
			s := newSession()
			Expect(s.Resume(ctx, "1")).To(MatchError(session.ErrNoStore))
		})

		It("should start over", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(protocol.Complete{Payload: protocol.ChatResponsePayload{
				Message: "hi", ConversationID: convID("42"),
			}})})
			s := newSession()
			Expect(s.Send(ctx, "Hi")).To(Succeed())

			Expect(s.NewConversation()).To(Succeed())

			Expect(s.History()).To(BeEmpty())
			Expect(s.ConversationID().IsZero()).To(BeTrue())
			Expect(s.State().Phase).To(Equal(session.PhaseIdle))
		})

		It("should mirror exchanges into the bound conversation", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(protocol.Complete{Payload: protocol.ChatResponsePayload{
				Message: "Hello", ConversationID: convID("42"),
			}})})
			s := newSession(session.WithStore(mem), session.WithMirror(true))

			Expect(s.Send(ctx, "Hi")).To(Succeed())

			msgs, err := mem.Load(ctx, "42")
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Content).To(Equal("Hi"))
			Expect(msgs[1].Content).To(Equal("Hello"))
		})

		It("should mirror into a local conversation until one is assigned", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(complete("one"))})
			scripted.Push(testutil.Script{Body: testutil.Frames(protocol.Error{Message: "boom"})})
			s := newSession(session.WithStore(mem), session.WithMirror(true))

			Expect(s.Send(ctx, "first")).To(Succeed())
			Expect(s.Send(ctx, "second")).To(Succeed())

			recent, err := mem.ListRecent(ctx, 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(recent).To(HaveLen(1))
			Expect(recent[0].Title).To(Equal("first"))

			msgs, err := mem.Load(ctx, recent[0].ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(3))
			Expect(msgs[2].Content).To(Equal("second"))
		})

		It("should not mirror unless asked", func() {
			scripted.Push(testutil.Script{Body: testutil.Frames(complete("one"))})
			s := newSession(session.WithStore(mem))

			Expect(s.Send(ctx, "first")).To(Succeed())

			recent, err := mem.ListRecent(ctx, 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(recent).To(BeEmpty())
		})
	})
})

var _ = Describe("Session over HTTP", func() {
	var (
		mu     sync.Mutex
		bodies []map[string]any
		server *httptest.Server
	)

	BeforeEach(func() {
		bodies = nil
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
			mu.Lock()
			bodies = append(bodies, body)
			mu.Unlock()

			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, `data: {"type":"complete","payload":{"message":"ok","conversationId":"007"}}`+"\n")
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	It("should send a bound zero-padded id back unchanged", func() {
		s := session.New(transport.NewHTTPTransport(server.URL))

		Expect(s.Send(context.Background(), "one")).To(Succeed())
		Expect(s.ConversationID()).To(Equal(chat.ConversationID("007")))

		Expect(s.Send(context.Background(), "two")).To(Succeed())
		Expect(s.State().Phase).To(Equal(session.PhaseCompleted))

		mu.Lock()
		defer mu.Unlock()
		Expect(bodies).To(HaveLen(2))
		Expect(bodies[0]).NotTo(HaveKey("conversationId"))
		Expect(bodies[1]["conversationId"]).To(Equal("007"))
	})
})
