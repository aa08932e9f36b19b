package cli

import (
	"context"

	"salvage/internal/config"
	"salvage/pkg/logger"

	"github.com/spf13/cobra"
)

// rootFlags are the persistent flags every command sees.
type rootFlags struct {
	configPath string
	verbose    bool
	quiet      bool
}

// contextKey CLI 上下文键
type contextKey struct{}

// standalone commands run without config, logging or storage.
var standalone = map[string]bool{
	"version": true,
	"help":    true,
	"parse":   true,
}

// NewRootCmd 创建根命令
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "salvage",
		Short: "Salvage - context overflow recovery for coding agents",
		Long: `Salvage watches an agent host for sessions that overflow the model's
context window, compacts them, and resubmits the prompt that failed.
When compaction keeps failing it trims the newest exchange and tries again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if standalone[cmd.Name()] {
				return nil
			}
			cliCtx, err := flags.setup()
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, cliCtx))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cliCtx := GetCLIContext(cmd); cliCtx != nil {
				return cliCtx.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file path")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")
	pf.BoolVarP(&flags.quiet, "quiet", "q", false, "log errors only")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	root.AddCommand(
		NewVersionCmd(),
		NewInitCmd(),
		NewConfigCmd(),
		NewServeCmd(),
		NewStatusCmd(),
		NewJournalCmd(),
		NewParseCmd(),
	)
	return root
}

// setup loads config and initialises logging for one invocation.
func (f *rootFlags) setup() (*CLIContext, error) {
	path := f.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	switch {
	case f.verbose:
		level = "debug"
	case f.quiet:
		level = "error"
	}
	if err := logger.Init(logger.LogConfig{Level: level, Format: cfg.Log.Format, File: cfg.Log.File}); err != nil {
		return nil, err
	}

	return &CLIContext{
		Config:     cfg,
		ConfigPath: path,
		Logger:     logger.Get(),
		Verbose:    f.verbose,
		Quiet:      f.quiet,
	}, nil
}

// GetCLIContext returns the context set up by the root command, or nil for
// standalone commands.
func GetCLIContext(cmd *cobra.Command) *CLIContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	cliCtx, _ := ctx.Value(contextKey{}).(*CLIContext)
	return cliCtx
}
