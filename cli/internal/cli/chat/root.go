package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

const (
	DefaultServerURL = "http://localhost:3000"
	envPrefix        = "CHATBRIDGE"
	configName       = ".chatbridge"
)

// Config holds the settings shared by every chatbridge command
type Config struct {
	Server    string
	PublicURL string
	Timeout   time.Duration
	NoColor   bool
	Verbose   int
}

// NewRootCmd creates the chatbridge root command
func NewRootCmd() *cobra.Command {
	v := viper.New()
	cfg := &Config{}

	cmd := &cobra.Command{
		Use:   "chatbridge",
		Short: "Chat with an agent through a chatbridge server",
		Long: `chatbridge talks to a chatbridge server the way the web composer does.

Settings are read from flags, CHATBRIDGE_* environment variables and an optional
~/.chatbridge.yaml file, in that order of precedence.

Available subcommands:
  send           Send a message, optionally with attachments
  vision         Ask a question about an image
  conversations  List and manage conversations
  history        Print the messages of a conversation

Examples:
  chatbridge send "Summarize the attached report" --file report.pdf
  chatbridge send "And the second chapter?" --conversation 2f0c...
  chatbridge vision --image chart.png "What trend does this show?"
  chatbridge conversations list --all`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd.Flags(), v, cfg)
		},
	}

	cmd.PersistentFlags().String("server", DefaultServerURL, "Base URL of the chatbridge server")
	cmd.PersistentFlags().String("public-url", "", "Public base URL used to resolve relative attachment links (default: --server)")
	cmd.PersistentFlags().Duration("timeout", 0, "Give up on a command after this long (0 waits forever)")
	cmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	cmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity")

	cmd.AddCommand(NewSendCmd(cfg))
	cmd.AddCommand(NewVisionCmd(cfg))
	cmd.AddCommand(NewConversationsCmd(cfg))
	cmd.AddCommand(NewHistoryCmd(cfg))

	return cmd
}

// Execute runs the root command and reports a failure on stderr
func Execute(ctx context.Context) error {
	cmd := NewRootCmd()
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		noColor, _ := cmd.PersistentFlags().GetBool("no-color")
		newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), noColor).errorf("Error: %v", err)
	}
	return err
}

func loadConfig(flags *pflag.FlagSet, v *viper.Viper, cfg *Config) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigFile(filepath.Join(home, configName+".yaml"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return err
			}
		}
	}

	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	cfg.Server = strings.TrimRight(v.GetString("server"), "/")
	cfg.PublicURL = v.GetString("public-url")
	if cfg.PublicURL == "" {
		cfg.PublicURL = cfg.Server
	}
	cfg.Timeout = v.GetDuration("timeout")
	cfg.NoColor = v.GetBool("no-color")
	cfg.Verbose = v.GetInt("verbose")
	return nil
}

func (c *Config) service() *session.HTTPService {
	return session.NewHTTPService(c.Server, nil)
}

func (c *Config) logger() logr.Logger {
	if c.Verbose == 0 {
		return logr.Discard()
	}
	return zap.New(
		zap.UseDevMode(true),
		zap.WriteTo(os.Stderr),
		zap.Level(zapcore.Level(-c.Verbose)),
	)
}
