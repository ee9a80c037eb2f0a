package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/killallgit/chatstream/pkg/chat"
	"github.com/killallgit/chatstream/pkg/config"
	"github.com/killallgit/chatstream/pkg/logger"
	"github.com/killallgit/chatstream/pkg/printer"
	"github.com/killallgit/chatstream/pkg/session"
	"github.com/killallgit/chatstream/pkg/store"
	"github.com/killallgit/chatstream/pkg/transport"
	"github.com/spf13/cobra"
)

var errExchangeFailed = errors.New("exchange failed")

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the server",
	Long: `Start an interactive chat, or send a single message with --prompt.

Ctrl+C cancels a reply in progress; pressing it while idle exits.
Type a number to pick one of the suggestions under the last reply,
/new to start a new conversation and /quit to leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringP("prompt", "p", "", "send a single message and exit")
	chatCmd.Flags().String("conversation", "", "resume a stored conversation")
}

func runChat(cmd *cobra.Command, args []string) error {
	settings := config.Get()
	prompt, _ := cmd.Flags().GetString("prompt")
	conversation, _ := cmd.Flags().GetString("conversation")

	cs, closeStore, err := openStore(settings)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer closeStore()

	pr := printer.New(cmd.OutOrStdout())
	sess := newSession(settings, cs, pr)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if conversation != "" {
		if err := sess.Resume(ctx, chat.ConversationID(conversation)); err != nil {
			return err
		}
		pr.Transcript(sess.History())
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			if sess.Cancel() {
				continue
			}
			closeStore()
			logger.Close()
			os.Exit(130)
		}
	}()

	if prompt != "" {
		return sendOnce(ctx, sess, prompt)
	}
	return chatLoop(ctx, sess, pr, cmd.InOrStdin())
}

func newSession(settings *config.Config, cs store.ConversationStore, h session.Handler) *session.Session {
	tr := transport.NewHTTPTransport(settings.ChatURL(),
		transport.WithAPIKey(settings.Server.APIKey),
		transport.WithTimeout(settings.Server.Timeout),
	)
	return session.New(tr,
		session.WithHandler(h),
		session.WithStore(cs),
		session.WithMirror(settings.Session.Mirror),
		session.WithCancelMarker(settings.Session.CancelMarker),
		session.WithHistoryLimit(settings.Session.HistoryLimit),
		session.WithContext(settings.Session.Context),
	)
}

func sendOnce(ctx context.Context, sess *session.Session, prompt string) error {
	if err := sess.Send(ctx, prompt); err != nil {
		return err
	}
	if sess.State().Phase == session.PhaseErrored {
		return errExchangeFailed
	}
	return nil
}

// chatLoop reads one message per line until in is exhausted or /quit.
func chatLoop(ctx context.Context, sess *session.Session, pr *printer.Printer, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		pr.Prompt()
		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/new":
			if err := sess.NewConversation(); err != nil {
				return err
			}
			pr.Notice("Started a new conversation.")
			continue
		}

		if err := sendLine(ctx, sess, line); err != nil {
			if errors.Is(err, session.ErrClientAction) {
				pr.Notice("That action is handled by the client.")
				continue
			}
			return err
		}
	}
}

// sendLine sends line, treating a number as a pick from the suggestions of
// the last reply.
func sendLine(ctx context.Context, sess *session.Session, line string) error {
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 {
		return sess.Send(ctx, line)
	}

	last, ok := chat.GetLastAssistantMessage(sess.History())
	if !ok {
		return sess.Send(ctx, line)
	}
	if n <= len(last.SuggestedValues) {
		return sess.SendValue(ctx, last.SuggestedValues[n-1])
	}
	if n -= len(last.SuggestedValues); n <= len(last.SuggestedActions) {
		return sess.SendAction(ctx, last.SuggestedActions[n-1])
	}
	return sess.Send(ctx, line)
}
