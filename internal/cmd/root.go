// Package cmd provides the receiptctl command line tool.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/router-for-me/ReceiptRelay/internal/app"
	"github.com/router-for-me/ReceiptRelay/internal/config"
	"github.com/router-for-me/ReceiptRelay/internal/logging"
	"github.com/spf13/cobra"
)

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// BuildFunc assembles the relay for a command.
type BuildFunc func(ctx context.Context, cfg *config.Config) (*app.App, error)

type rootOptions struct {
	configPath string
	debug      bool
	jsonOutput bool
	noColor    bool

	cfg   *config.Config
	build BuildFunc
}

// NewRootCmd returns the receiptctl command tree. A nil build uses app.Build.
func NewRootCmd(build BuildFunc) *cobra.Command {
	if build == nil {
		build = func(ctx context.Context, cfg *config.Config) (*app.App, error) {
			return app.Build(ctx, cfg)
		}
	}
	opts := &rootOptions{build: build}

	root := &cobra.Command{
		Use:   "receiptctl",
		Short: "Analyze receipts and documents through the Gemini relay",
		Long: `receiptctl runs the relay in-process: it reads documents from disk,
sends them through the credential pool and prints one canonical line per file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigOptional(opts.configPath, true)
			if err != nil {
				return err
			}
			if _, err = config.ValidateConfig(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if opts.debug {
				cfg.Debug = true
			}
			logging.SetLogLevel(cfg.EffectiveLogLevel())
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "config file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug output")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Output JSON")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newAnalyzeCmd(opts),
		newExtractCmd(opts),
		newTokensCmd(opts),
		newKeysCmd(opts),
	)
	return root
}

// Execute runs the command tree with the default builder.
func Execute() error {
	return NewRootCmd(nil).Execute()
}

// withApp builds the relay, runs fn and closes the relay again.
func (o *rootOptions) withApp(ctx context.Context, fn func(a *app.App) error) (err error) {
	a, err := o.build(ctx, o.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := a.Close(context.Background()); errClose != nil && err == nil {
			err = errClose
		}
	}()
	return fn(a)
}

func (o *rootOptions) color(code, s string) string {
	if o.noColor || o.jsonOutput {
		return s
	}
	return code + s + colorReset
}

func outputJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
