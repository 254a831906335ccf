package main

import (
	"fmt"
	"time"

	chatsync "github.com/hireloop/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(outboxCmd)
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxSweepCmd)
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect the local outbox",
	Long:  "List or repair the durable outbox of unconfirmed messages.",
}

// openStore opens the configured Pebble-backed outbox store.
func openStore() (*chatsync.PebbleStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	path, err := storePath(cfg)
	if err != nil {
		return nil, err
	}
	store, err := chatsync.OpenPebbleStore(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open outbox store: %w", err)
	}
	return store, nil
}

var outboxListCmd = &cobra.Command{
	Use:   "list <chat-or-recipient-id>",
	Short: "List outbox entries for a conversation or recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.ListFor(args[0])
		if err != nil {
			return fmt.Errorf("cannot list entries: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No outbox entries.")
			return nil
		}

		for _, e := range entries {
			content := e.Content
			if content == "" && len(e.Attachments) > 0 {
				content = fmt.Sprintf("(%d attachment(s))", len(e.Attachments))
			}
			fmt.Printf("%s  %-8s  %s  %s\n",
				e.SentAt.Format(time.RFC3339), e.Status, e.ClientID, content)
		}
		return nil
	},
}

var outboxSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark entries stuck in SENDING as FAILED",
	Long:  "Run the restart recovery by hand: entries left in SENDING by a previous session are moved to FAILED so they can be retried or discarded.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.SweepSending()
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		fmt.Printf("Marked %d entr%s as failed.\n", n, plural(n, "y", "ies"))
		return nil
	},
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
