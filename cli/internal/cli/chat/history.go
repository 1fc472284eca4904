package chat

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

// NewHistoryCmd creates the history command
func NewHistoryCmd(root *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "history CONVERSATION_ID",
		Short: "Print the messages of a conversation, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := root.withTimeout(cmd.Context())
			defer cancel()
			p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), root.NoColor)
			return runHistory(ctx, args[0], root.service(), p)
		},
	}
}

func runHistory(ctx context.Context, conversationID string, svc session.Service, p *printer) error {
	conv, err := svc.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	messages, err := svc.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	p.info("%s", conv.Title)
	p.messageTable(messages)
	return nil
}
