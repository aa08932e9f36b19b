package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"salvage/internal/config"
	"salvage/internal/storage"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// InitOptions init 命令选项
type InitOptions struct {
	Force bool
}

// NewInitCmd 创建 init 命令
func NewInitCmd() *cobra.Command {
	opts := &InitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize salvage configuration",
		Long:  "Write a default configuration file and create the journal database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return fmt.Errorf("CLI context not initialized")
			}
			return RunInit(cmd, cliCtx, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

// RunInit 执行初始化
func RunInit(cmd *cobra.Command, cliCtx *CLIContext, opts *InitOptions) error {
	configPath := cliCtx.ConfigPath
	if _, err := os.Stat(configPath); err == nil && !opts.Force {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := yaml.Marshal(configDocument(cliCtx.Config))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	db, err := storage.Open(cliCtx.Config.Storage.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	dbPath := db.Path()
	db.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized salvage\n")
	fmt.Fprintf(out, "  Config:   %s\n", configPath)
	fmt.Fprintf(out, "  Database: %s\n", dbPath)
	return nil
}

// configDocument renders cfg with human-readable durations.
func configDocument(cfg *config.Config) map[string]any {
	return map[string]any{
		"host": map[string]any{
			"base_url":    cfg.Host.BaseURL,
			"directory":   cfg.Host.Directory,
			"timeout":     cfg.Host.Timeout.String(),
			"min_version": cfg.Host.MinVersion,
			"subscribe":   cfg.Host.Subscribe,
		},
		"recovery": map[string]any{
			"retry": map[string]any{
				"max_attempts":   cfg.Recovery.Retry.MaxAttempts,
				"initial_delay":  cfg.Recovery.Retry.InitialDelay.String(),
				"backoff_factor": cfg.Recovery.Retry.BackoffFactor,
				"max_delay":      cfg.Recovery.Retry.MaxDelay.String(),
			},
			"fallback": map[string]any{
				"max_revert_attempts":   cfg.Recovery.Fallback.MaxRevertAttempts,
				"min_messages_required": cfg.Recovery.Fallback.MinMessagesRequired,
			},
			"resubmit_delay": cfg.Recovery.ResubmitDelay.String(),
			"revert_delay":   cfg.Recovery.RevertDelay.String(),
		},
		"gateway": map[string]any{
			"host": cfg.Gateway.Host,
			"port": cfg.Gateway.Port,
			"rate_limit": map[string]any{
				"requests_per_minute": cfg.Gateway.RateLimit.RequestsPerMinute,
				"burst":               cfg.Gateway.RateLimit.Burst,
			},
		},
		"log": map[string]any{
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
			"file":   cfg.Log.File,
		},
		"storage": map[string]any{
			"path":      cfg.Storage.Path,
			"retention": cfg.Storage.Retention.String(),
		},
		"queue": map[string]any{
			"size":         cfg.Queue.Size,
			"idle_timeout": cfg.Queue.IdleTimeout.String(),
		},
		"cron": map[string]any{
			"enabled":         cfg.Cron.Enabled,
			"prune_schedule":  cfg.Cron.PruneSchedule,
			"health_schedule": cfg.Cron.HealthSchedule,
		},
		"audit": map[string]any{
			"enabled":         cfg.Audit.Enabled,
			"skip_detections": cfg.Audit.SkipDetections,
		},
	}
}
