package cli

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"salvage/internal/config"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd 创建 config 命令组
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  "Get, set, list, validate and edit configuration values",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print a value, or a whole section as YAML",
			Args:  cobra.ExactArgs(1),
			RunE:  func(cmd *cobra.Command, args []string) error { return configGet(cmd.OutOrStdout(), args[0]) },
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set a value and save the file",
			Args:  cobra.ExactArgs(2),
			RunE:  func(cmd *cobra.Command, args []string) error { return configSet(cmd.OutOrStdout(), args[0], args[1]) },
		},
		&cobra.Command{
			Use:   "list",
			Short: "List every value as key = value",
			RunE: func(cmd *cobra.Command, _ []string) error {
				configList(cmd.OutOrStdout())
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Show configuration file path",
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, err := configFilePath()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
		newConfigEditCmd(),
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration for errors",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cliCtx := GetCLIContext(cmd)
				if cliCtx == nil {
					return fmt.Errorf("CLI context not initialized")
				}
				if err := cliCtx.Config.Validate(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
				return nil
			},
		},
	)
	return cmd
}

func configGet(out io.Writer, key string) error {
	value := config.Get(key)
	if value == nil {
		return fmt.Errorf("key not found: %s", key)
	}
	if section, ok := value.(map[string]any); ok {
		return yaml.NewEncoder(out).Encode(section)
	}
	fmt.Fprintln(out, value)
	return nil
}

// configSet coerces raw to the type of the current value so a typo such as
// "2x" for a count is rejected before it reaches the file.
func configSet(out io.Writer, key, raw string) error {
	if !viper.IsSet(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	var (
		value any
		err   error
	)
	switch config.Get(key).(type) {
	case int, int64:
		value, err = cast.ToIntE(raw)
	case bool:
		value, err = cast.ToBoolE(raw)
	case float64:
		value, err = cast.ToFloat64E(raw)
	case time.Duration:
		var d time.Duration
		if d, err = cast.ToDurationE(raw); err == nil {
			value = d.String()
		}
	case map[string]any:
		return fmt.Errorf("%s is a section; set one of its keys", key)
	default:
		value = raw
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := config.Set(key, value); err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	fmt.Fprintf(out, "Set %s = %v\n", key, value)
	return nil
}

func configList(out io.Writer) {
	keys := flattenSettings("", config.AllSettings())
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(out, "%s = %v\n", key, config.Get(key))
	}
}

func newConfigEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Edit configuration file",
		Long:  "Open the configuration file in $EDITOR. A running server picks up recovery changes on save.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configFilePath()
			if err != nil {
				return err
			}

			editor := os.Getenv("VISUAL")
			if editor == "" {
				editor = os.Getenv("EDITOR")
			}
			if editor == "" {
				editor = "vi"
			}

			c := exec.CommandContext(cmd.Context(), editor, path)
			c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
			if err := c.Run(); err != nil {
				return err
			}

			cfg, err := config.Reload()
			if err != nil {
				return fmt.Errorf("edited file does not load: %w", err)
			}
			return cfg.Validate()
		},
	}
}

func configFilePath() (string, error) {
	if path := config.Path(); path != "" {
		return path, nil
	}
	return config.DefaultConfigPath()
}

// flattenSettings 将嵌套配置展平为点分隔的键列表
func flattenSettings(prefix string, settings map[string]any) []string {
	var keys []string
	for k, v := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			keys = append(keys, flattenSettings(key, nested)...)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}
