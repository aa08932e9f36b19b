package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"salvage/internal/recovery"

	"github.com/spf13/cobra"
)

// ErrNotTokenLimit is returned by parse when the input is some other error.
var ErrNotTokenLimit = errors.New("not a token limit error")

// NewParseCmd creates the parse command.
func NewParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [error]",
		Short: "Check whether a provider error is a context overflow",
		Long: `Run the token limit parser on a provider error and print what it extracts.

The error may be plain text or JSON. With no argument, or "-", it is read from stdin.`,
		Example: `  salvage parse 'prompt is too long: 210000 tokens > 200000 maximum'
  echo '{"error":{"type":"invalid_request_error","message":"..."}}' | salvage parse`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input string
			if len(args) == 0 || args[0] == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				input = string(data)
			} else {
				input = args[0]
			}
			return runParse(cmd.OutOrStdout(), input)
		},
	}
}

func runParse(out io.Writer, input string) error {
	input = strings.TrimSpace(input)

	var raw any = input
	var decoded any
	if json.Unmarshal([]byte(input), &decoded) == nil {
		raw = decoded
	}

	tle := recovery.Parse(raw)
	if tle == nil {
		return ErrNotTokenLimit
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(tle)
}
