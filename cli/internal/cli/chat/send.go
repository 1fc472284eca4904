package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/attachments"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/converters"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/dispatcher"
)

// SendConfig holds configuration for the send command
type SendConfig struct {
	*Config
	ConversationID string
	Files          []string
	Text           string
}

// NewSendCmd creates the send command
func NewSendCmd(root *Config) *cobra.Command {
	cfg := &SendConfig{Config: root}

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message and stream the reply",
		Long: `Send a message to the agent and print the reply as it streams in.

Files passed with --file are uploaded first and folded into the message. Without
--conversation a new conversation is created and its id printed.

Examples:
  chatbridge send "hello"
  chatbridge send "What does this say?" --file scan.png
  chatbridge send "Compare them" --file a.pdf --file b.pdf --conversation 2f0c...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				cfg.Text = args[0]
			}
			if strings.TrimSpace(cfg.Text) == "" && len(cfg.Files) == 0 {
				return fmt.Errorf("nothing to send: give a message or at least one --file")
			}
			ctx, cancel := cfg.withTimeout(cmd.Context())
			defer cancel()
			p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg.NoColor)
			return runSend(ctx, cfg, p)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConversationID, "conversation", "c", "", "Continue an existing conversation")
	cmd.Flags().StringArrayVarP(&cfg.Files, "file", "f", nil, "Attach a file (repeatable)")

	return cmd
}

func runSend(ctx context.Context, cfg *SendConfig, p *printer) error {
	log := cfg.logger()
	svc := cfg.service()

	coordinator := attachments.NewCoordinator(svc, log)
	d := dispatcher.New(svc, coordinator, dispatcher.Config{PublicBaseURL: cfg.PublicURL}, log)
	d.OnNavigate(func(conversationID string) {
		p.info("conversation: %s", conversationID)
	})

	if cfg.ConversationID != "" {
		conv, err := svc.GetConversation(ctx, cfg.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		d.SetConversation(conv.ID, conv.Thread())
	}

	for _, path := range cfg.Files {
		if err := attach(ctx, coordinator, path, p); err != nil {
			return err
		}
	}

	stop := p.startSpinner("thinking")
	events, err := d.Dispatch(ctx, []converters.ChatMessage{converters.HumanMessage(cfg.Text)})
	if err != nil {
		stop()
		return fmt.Errorf("send failed: %w", err)
	}

	if _, err := p.render(ctx, events, stop); err != nil {
		return fmt.Errorf("stream error: %w", err)
	}
	return nil
}

func attach(ctx context.Context, coordinator *attachments.Coordinator, path string, p *printer) error {
	file, err := attachments.FileFromPath(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	a, err := coordinator.Add(file)
	if err != nil {
		return fmt.Errorf("cannot attach %s: %w", file.Name, err)
	}

	stop := p.startSpinner("uploading " + file.Name)
	_, err = coordinator.Send(ctx, a.ID)
	stop()
	if err != nil {
		return fmt.Errorf("upload of %s failed: %w", file.Name, err)
	}
	p.info("attached %s (%s)", file.Name, a.Kind)
	return nil
}

func (c *Config) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.Timeout > 0 {
		return context.WithTimeout(parent, c.Timeout)
	}
	return context.WithCancel(parent)
}
