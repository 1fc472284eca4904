package chat

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/attachments"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/dispatcher"
)

// VisionConfig holds configuration for the vision command
type VisionConfig struct {
	*Config
	Image    string
	Question string
}

// NewVisionCmd creates the vision command
func NewVisionCmd(root *Config) *cobra.Command {
	cfg := &VisionConfig{Config: root}

	cmd := &cobra.Command{
		Use:   "vision [question]",
		Short: "Ask a question about an image",
		Long: `Send an image to the vision service and stream its answer.

Without a question the service describes the image.

Examples:
  chatbridge vision --image photo.jpg
  chatbridge vision --image chart.png "Which quarter grew fastest?"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				cfg.Question = args[0]
			}
			ctx, cancel := cfg.withTimeout(cmd.Context())
			defer cancel()
			p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg.NoColor)
			return runVision(ctx, cfg, p)
		},
	}

	cmd.Flags().StringVarP(&cfg.Image, "image", "i", "", "Path of the image to ask about")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func runVision(ctx context.Context, cfg *VisionConfig, p *printer) error {
	image, err := attachments.FileFromPath(cfg.Image)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", cfg.Image, err)
	}

	log := cfg.logger()
	d := dispatcher.New(cfg.service(), nil, dispatcher.Config{}, log)

	stop := p.startSpinner("looking")
	events, err := d.Vision(ctx, image, cfg.Question)
	if err != nil {
		stop()
		return fmt.Errorf("vision failed: %w", err)
	}
	if _, err := p.render(ctx, events, stop); err != nil {
		return fmt.Errorf("stream error: %w", err)
	}
	return nil
}
