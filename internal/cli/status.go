package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"salvage/internal/gateway/handlers"

	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var (
		jsonOutput bool
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service health and sessions in recovery",
		Long:  `Query a running salvage service for its health and every session currently in recovery.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				cliCtx := GetCLIContext(cmd)
				if cliCtx == nil {
					return fmt.Errorf("CLI context not initialized")
				}
				serverURL = cliCtx.GatewayURL()
			}
			return runStatus(cmd.Context(), cmd.OutOrStdout(), serverURL, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().StringVar(&serverURL, "url", "", "salvage server URL (default from config)")

	return cmd
}

type statusOutput struct {
	Health   handlers.HealthResponse `json:"health"`
	Recovery handlers.RecoveryList   `json:"recovery"`
}

func runStatus(ctx context.Context, out io.Writer, serverURL string, jsonOutput bool) error {
	client := &http.Client{Timeout: 10 * time.Second}

	var status statusOutput
	if err := getJSON(ctx, client, serverURL+"/api/v1/health", &status.Health); err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	if err := getJSON(ctx, client, serverURL+"/api/v1/recovery", &status.Recovery); err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	h := status.Health
	fmt.Fprintf(out, "Status:   %s\n", h.Status)
	fmt.Fprintf(out, "Version:  %s\n", h.Version)
	fmt.Fprintf(out, "Uptime:   %s\n", time.Duration(h.Uptime)*time.Second)
	if h.Host != nil {
		fmt.Fprintf(out, "Host:     healthy=%t version=%s\n", h.Host.Healthy, h.Host.Version)
	} else {
		fmt.Fprintln(out, "Host:     unknown")
	}

	if status.Recovery.Count == 0 {
		fmt.Fprintln(out, "\nNo sessions in recovery.")
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPHASE\tTOKENS\tATTEMPT\tREVERTS")
	for _, s := range status.Recovery.Sessions {
		tokens := "-"
		if s.Error != nil && s.Error.MaxTokens > 0 {
			tokens = fmt.Sprintf("%d/%d", s.Error.CurrentTokens, s.Error.MaxTokens)
		}
		attempt, reverts := 0, 0
		if s.Retry != nil {
			attempt = s.Retry.Attempt
		}
		if s.Fallback != nil {
			reverts = s.Fallback.RevertAttempt
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", s.SessionID, s.Phase, tokens, attempt, reverts)
	}
	return w.Flush()
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr handlers.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("server error: %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
