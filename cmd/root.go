package cmd

import (
	"fmt"
	"os"

	"github.com/killallgit/chatstream/pkg/config"
	"github.com/killallgit/chatstream/pkg/logger"
	"github.com/killallgit/chatstream/pkg/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "chatstream",
	Short:         "Terminal client for a streaming chat server",
	Long:          `Talk to a chat server that streams its replies, and browse stored conversations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is .chatstream/settings.yaml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(conversationsCmd)
}

func initConfig() error {
	if _, err := config.Load(cfgFile); err != nil {
		return err
	}
	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Debug("Using config file: %s", viper.ConfigFileUsed())
	return nil
}

// openStore builds the configured conversation store. The returned closer is
// never nil.
func openStore(settings *config.Config) (store.ConversationStore, func() error, error) {
	noop := func() error { return nil }

	switch settings.Store.Type {
	case config.StoreSQLite:
		s, err := store.NewSQLiteStore(settings.Store.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.StoreHTTP:
		return store.NewHTTPStore(settings.StoreURL(), settings.Server.APIKey), noop, nil
	default:
		return store.NewMemoryStore(), noop, nil
	}
}
