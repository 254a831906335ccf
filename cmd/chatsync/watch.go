package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatsync "github.com/hireloop/chatsync"
	"github.com/spf13/cobra"
)

var (
	watchChatID  string
	watchVerbose bool
)

func init() {
	watchCmd.Flags().StringVar(&watchChatID, "chat", "", "conversation to join and watch")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "log transport activity")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print live events",
	Long:  "Open a session against the configured server and print pushes as they arrive. With --chat, join that conversation's room first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.BaseURL == "" || cfg.Auth.Token == "" {
			return fmt.Errorf("no server configured; run 'chatsync init <base-url> <token>' first")
		}
		path, err := storePath(cfg)
		if err != nil {
			return err
		}

		level := slog.LevelWarn
		if watchVerbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		client, err := chatsync.New(cfg.Default.BaseURL,
			chatsync.WithToken(cfg.Auth.Token),
			chatsync.WithStorePath(path),
			chatsync.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		defer client.Close()

		client.Transport().OnEvent(func(ev chatsync.Event) {
			fmt.Printf("%s  %s  %s\n",
				time.Now().Format(time.TimeOnly), ev.Kind, string(ev.Payload))
		})
		client.Transport().OnDisconnect(func(err error) {
			fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
		})
		client.Transport().OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d) in %s\n", attempt, delay)
		})
		client.Engine().OnTyping(func(chatID string, typing bool) {
			if typing {
				fmt.Printf("%s  typing in %s\n", time.Now().Format(time.TimeOnly), chatID)
			}
		})

		ctx := context.Background()
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		fmt.Println("Connected. Ctrl-C to stop.")

		if watchChatID != "" {
			client.Engine().OpenChat(ctx, watchChatID)
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		fmt.Println("Closing.")
		return nil
	},
}
