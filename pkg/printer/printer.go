// Package printer renders a chat session on a plain terminal.
package printer

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/killallgit/chatstream/pkg/chat"
	"github.com/killallgit/chatstream/pkg/logger"
	"github.com/killallgit/chatstream/pkg/protocol"
	"github.com/killallgit/chatstream/pkg/session"
	"github.com/killallgit/chatstream/pkg/store"
)

const timeLayout = "2006-01-02 15:04"

type styles struct {
	dim     lipgloss.Style
	err     lipgloss.Style
	header  lipgloss.Style
	user    lipgloss.Style
	suggest lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		dim:     r.NewStyle().Foreground(lipgloss.Color("243")),
		err:     r.NewStyle().Foreground(lipgloss.Color("196")),
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("170")),
		user:    r.NewStyle().Foreground(lipgloss.Color("229")),
		suggest: r.NewStyle().Foreground(lipgloss.Color("86")),
	}
}

// Printer writes streamed text as it arrives and the finalized message once
// the exchange ends. It implements session.Handler.
type Printer struct {
	mu       sync.Mutex
	out      io.Writer
	style    styles
	streamed strings.Builder
	status   string
}

// New creates a printer writing to out. Colors are used only when out is a
// terminal.
func New(out io.Writer) *Printer {
	return &Printer{
		out:   out,
		style: newStyles(lipgloss.NewRenderer(out)),
	}
}

// OnEvent implements session.Handler
func (p *Printer) OnEvent(ev protocol.Event, st session.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case protocol.TextDelta:
		p.status = ""
		p.streamed.WriteString(e.Text)
		fmt.Fprint(p.out, e.Text)
	case protocol.Status, protocol.ToolStart:
		p.statusLine(st.StatusText)
	case protocol.ToolProgress:
		line := e.Stage
		if e.Message != "" {
			line += ": " + e.Message
		}
		if e.Progress > 0 {
			line += fmt.Sprintf(" (%.0f%%)", e.Progress*100)
		}
		p.statusLine("  " + line)
	}
}

// statusLine prints text on its own line unless it repeats the last one.
func (p *Printer) statusLine(text string) {
	if text == "" || text == p.status {
		return
	}
	p.status = text
	if p.streamed.Len() > 0 && !strings.HasSuffix(p.streamed.String(), "\n") {
		fmt.Fprintln(p.out)
	}
	fmt.Fprintln(p.out, p.style.dim.Render(text))
}

// OnMessage implements session.Handler
func (p *Printer) OnMessage(msg chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	streamed := p.streamed.String()
	p.streamed.Reset()
	p.status = ""

	switch {
	case msg.Error:
		if streamed != "" {
			fmt.Fprintln(p.out)
		}
		fmt.Fprintln(p.out, p.style.err.Render(msg.Content))
	case strings.HasPrefix(msg.Content, streamed):
		fmt.Fprintln(p.out, strings.TrimPrefix(msg.Content, streamed))
	default:
		// The final text replaced what was streamed.
		if streamed != "" {
			fmt.Fprintln(p.out)
		}
		fmt.Fprintln(p.out, msg.Content)
	}

	p.suggestions(msg)
}

// OnError implements session.Handler. The transcript already carries the
// user-facing text.
func (p *Printer) OnError(err error) {
	logger.Debug("printer: exchange error: %v", err)
}

func (p *Printer) suggestions(msg chat.Message) {
	for i, v := range msg.SuggestedValues {
		fmt.Fprintln(p.out, p.style.suggest.Render(fmt.Sprintf("  [%d] %s", i+1, v.Label)))
	}
	offset := len(msg.SuggestedValues)
	for i, a := range msg.SuggestedActions {
		fmt.Fprintln(p.out, p.style.suggest.Render(fmt.Sprintf("  [%d] %s", offset+i+1, a.Label)))
	}
	if msg.CustomPayload != nil {
		fmt.Fprintln(p.out, p.style.dim.Render(fmt.Sprintf("  <%s>", msg.CustomPayload.Type)))
	}
}

// Prompt prints the input prompt.
func (p *Printer) Prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, p.style.user.Render("> "))
}

// Notice prints a dimmed informational line.
func (p *Printer) Notice(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, p.style.dim.Render(fmt.Sprintf(format, args...)))
}

// Transcript prints stored messages.
func (p *Printer) Transcript(msgs []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, msg := range msgs {
		label := "assistant"
		style := p.style.header
		if msg.IsUser() {
			label = "you"
			style = p.style.user
		}
		fmt.Fprintf(p.out, "%s %s\n", style.Render(label), p.style.dim.Render(msg.Timestamp.Format(timeLayout)))
		if msg.Error {
			fmt.Fprintln(p.out, p.style.err.Render(msg.Content))
		} else {
			fmt.Fprintln(p.out, msg.Content)
		}
		fmt.Fprintln(p.out)
	}
}

// Conversations prints a listing of stored conversations.
func (p *Printer) Conversations(list []store.Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(list) == 0 {
		fmt.Fprintln(p.out, p.style.dim.Render("No conversations."))
		return
	}
	for _, c := range list {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(p.out, "%s  %s  %s\n",
			p.style.header.Render(c.ID.String()),
			title,
			p.style.dim.Render(fmt.Sprintf("%d messages, updated %s", c.MessageCount, c.UpdatedAt.Format(timeLayout))),
		)
	}
}
