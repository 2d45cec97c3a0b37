package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/domain"
	"github.com/spf13/cobra"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Exercise the bot's turn handling locally",
	}

	cmd.AddCommand(newMessageSendCmd())
	return cmd
}

func newMessageSendCmd() *cobra.Command {
	var (
		mode         string
		conversation string
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Run a message through the bot and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")

			cfg, err := config.Load(paths.Config)
			if err != nil {
				cfg = config.Defaults()
			}
			if mode != "" {
				cfg.Bot.Mode = mode
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			turns, closeTurns, err := newTurnHandler(ctx, &cfg, nil)
			if err != nil {
				return err
			}
			defer closeTurns()

			if conversation == "" {
				conversation = "cli"
			}
			activity := &domain.Activity{
				Type:         domain.ActivityMessage,
				ID:           uuid.NewString(),
				Timestamp:    time.Now().UTC().Format(time.RFC3339),
				ChannelID:    "cli",
				From:         domain.ChannelAccount{ID: "cli-user", Name: "User", Role: "user"},
				Recipient:    domain.ChannelAccount{ID: "teamsforge", Name: "teamsforge", Role: "bot"},
				Conversation: domain.ConversationAccount{ID: conversation},
				Text:         message,
			}

			start := time.Now()
			reply, err := turns.Handle(ctx, activity)
			if err != nil {
				return err
			}
			if reply == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "(no reply)")
				return nil
			}
			fmt.Println(reply.Text)
			fmt.Fprintf(cmd.ErrOrStderr(), "\n[mode=%s duration=%s]\n", turns.Mode(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "override bot.mode (static, echo, completion)")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id, for completion history")

	return cmd
}
