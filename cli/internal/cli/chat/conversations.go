package chat

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

// ListConfig holds configuration for the conversations list command
type ListConfig struct {
	*Config
	Take   int
	Cursor string
	All    bool
}

// NewConversationsCmd creates the conversations command group
func NewConversationsCmd(root *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "List and manage conversations",
		Long: `Manage the conversations stored by the server.

Examples:
  chatbridge conversations list
  chatbridge conversations list --all
  chatbridge conversations archive 2f0c...
  chatbridge conversations share 2f0c...`,
	}

	cmd.AddCommand(newListCmd(root))
	cmd.AddCommand(newArchiveCmd(root, "archive", true))
	cmd.AddCommand(newArchiveCmd(root, "unarchive", false))
	cmd.AddCommand(newDeleteCmd(root))
	cmd.AddCommand(newShareCmd(root))

	return cmd
}

func newListCmd(root *Config) *cobra.Command {
	cfg := &ListConfig{Config: root}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cfg.withTimeout(cmd.Context())
			defer cancel()
			p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg.NoColor)
			return runList(ctx, cfg, cfg.service(), p)
		},
	}

	cmd.Flags().IntVar(&cfg.Take, "take", 0, "Page size (server default when 0)")
	cmd.Flags().StringVar(&cfg.Cursor, "cursor", "", "Continue from a cursor printed by a previous page")
	cmd.Flags().BoolVar(&cfg.All, "all", false, "Follow cursors until every conversation is listed")

	return cmd
}

func runList(ctx context.Context, cfg *ListConfig, svc session.Service, p *printer) error {
	var items []session.ConversationSummary
	cursor := cfg.Cursor
	for {
		page, err := svc.ListConversations(ctx, cursor, cfg.Take)
		if err != nil {
			return fmt.Errorf("list failed: %w", err)
		}
		items = append(items, page.Items...)
		if page.NextCursor == nil || *page.NextCursor == "" {
			cursor = ""
			break
		}
		cursor = *page.NextCursor
		if !cfg.All {
			break
		}
	}

	p.conversationTable(items)
	if cursor != "" {
		p.info("more: --cursor %s", cursor)
	}
	return nil
}

func newArchiveCmd(root *Config, use string, archived bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " CONVERSATION_ID",
		Short: fmt.Sprintf("Mark a conversation as %sd", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := root.withTimeout(cmd.Context())
			defer cancel()
			p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), root.NoColor)
			conv, err := root.service().SetArchived(ctx, args[0], archived)
			if err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}
			fmt.Fprintf(p.out, "%s %sd\n", conv.ID, use)
			return nil
		},
	}
}

func newDeleteCmd(root *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete CONVERSATION_ID",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := root.withTimeout(cmd.Context())
			defer cancel()
			p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), root.NoColor)
			if err := root.service().DeleteConversation(ctx, args[0]); err != nil {
				return fmt.Errorf("delete failed: %w", err)
			}
			fmt.Fprintf(p.out, "%s deleted\n", args[0])
			return nil
		},
	}
}

func newShareCmd(root *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "share CONVERSATION_ID",
		Short: "Print a public link to a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := root.withTimeout(cmd.Context())
			defer cancel()
			p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), root.NoColor)
			link, err := root.service().ShareConversation(ctx, args[0])
			if err != nil {
				return fmt.Errorf("share failed: %w", err)
			}
			fmt.Fprintln(p.out, link.ShareURL)
			return nil
		},
	}
}
