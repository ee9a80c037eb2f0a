package cmd

import (
	"fmt"

	"github.com/killallgit/chatstream/pkg/chat"
	"github.com/killallgit/chatstream/pkg/config"
	"github.com/killallgit/chatstream/pkg/printer"
	"github.com/spf13/cobra"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Browse stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		cs, closeStore, err := openStore(config.Get())
		if err != nil {
			return fmt.Errorf("failed to open conversation store: %w", err)
		}
		defer closeStore()

		list, err := cs.ListRecent(cmd.Context(), limit, offset)
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}
		printer.New(cmd.OutOrStdout()).Conversations(list)
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, closeStore, err := openStore(config.Get())
		if err != nil {
			return fmt.Errorf("failed to open conversation store: %w", err)
		}
		defer closeStore()

		msgs, err := cs.Load(cmd.Context(), chat.ConversationID(args[0]))
		if err != nil {
			return fmt.Errorf("failed to load conversation %s: %w", args[0], err)
		}
		printer.New(cmd.OutOrStdout()).Transcript(msgs)
		return nil
	},
}

func init() {
	conversationsListCmd.Flags().Int("limit", 20, "maximum number of conversations")
	conversationsListCmd.Flags().Int("offset", 0, "number of conversations to skip")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
}
