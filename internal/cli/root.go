// Package cli はjournalコマンド（クライアント）のサブコマンドを提供する。
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hitoshi/digijournal/internal/config"
	"github.com/hitoshi/digijournal/internal/logger"
	"github.com/hitoshi/digijournal/internal/remote"
)

// RootOptions はすべてのサブコマンドに共通のフラグ。
type RootOptions struct {
	Verbose   bool
	Format    string // "text" | "json"
	NoBrowser bool
}

// ValidFormats は出力形式として指定できる値。
var ValidFormats = []string{"text", "json"}

// ClientFactory はサブコマンドが使うClientを生成する。
type ClientFactory func(opts *RootOptions, cmd *cobra.Command) (*Client, error)

// DefaultClientFactory は環境変数の設定からClientを生成する。
func DefaultClientFactory(opts *RootOptions, cmd *cobra.Command) (*Client, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.SetupClient(cmd.ErrOrStderr(), opts.Verbose)

	var nav remote.Navigator = remote.BrowserNavigator{Fallback: cmd.OutOrStdout()}
	if opts.NoBrowser {
		nav = remote.PrintNavigator{W: cmd.OutOrStdout()}
	}
	return NewClient(cfg, nav, log), nil
}

// NewRootCommand はjournalのルートコマンドを生成する。newClientがnilなら環境変数から設定を読む。
func NewRootCommand(newClient ClientFactory) *cobra.Command {
	if newClient == nil {
		newClient = DefaultClientFactory
	}
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "digijournal client",
		Long:  "Read and write essays and notes on a digijournal server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose log output on stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVar(&opts.NoBrowser, "no-browser", false, "print the sign-in URL instead of opening a browser")

	cmd.AddCommand(newLoginCommand(opts, newClient))
	cmd.AddCommand(newLogoutCommand(opts, newClient))
	cmd.AddCommand(newWhoamiCommand(opts, newClient))
	cmd.AddCommand(newListCommand(opts, newClient))
	cmd.AddCommand(newWatchCommand(opts, newClient))
	cmd.AddCommand(newPostCommand(opts, newClient))
	cmd.AddCommand(newEditCommand(opts, newClient))
	cmd.AddCommand(newDeleteCommand(opts, newClient))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
