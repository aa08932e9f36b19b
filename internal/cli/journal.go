package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"salvage/internal/storage"

	"github.com/spf13/cobra"
)

// NewJournalCmd creates the journal command.
func NewJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the recovery journal",
		Long:  `Read and prune the recovery steps recorded in the local database.`,
	}

	cmd.AddCommand(newJournalShowCmd())
	cmd.AddCommand(newJournalRecentCmd())
	cmd.AddCommand(newJournalPruneCmd())

	return cmd
}

func openJournal(cmd *cobra.Command) (*storage.Journal, error) {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return nil, fmt.Errorf("CLI context not initialized")
	}
	db, err := cliCtx.GetStorage()
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return storage.NewJournal(db), nil
}

func newJournalShowCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the recovery steps of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(cmd)
			if err != nil {
				return err
			}
			entries, err := journal.List(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJournal(cmd.OutOrStdout(), entries, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "maximum number of steps to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func newJournalRecentCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the latest recovery steps across sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := openJournal(cmd)
			if err != nil {
				return err
			}
			entries, err := journal.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJournal(cmd.OutOrStdout(), entries, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum number of steps to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}

func newJournalPruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete journal steps older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			journal, err := openJournal(cmd)
			if err != nil {
				return err
			}
			n, err := journal.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d steps\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the oldest step to keep")

	return cmd
}

func printJournal(out io.Writer, entries []*storage.JournalEntry, jsonOutput bool) error {
	if jsonOutput {
		if entries == nil {
			entries = []*storage.JournalEntry{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No steps recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tSTEP\tATTEMPT\tREVERT\tDETAIL")
	for _, e := range entries {
		detail := e.Reason
		if detail == "" && e.MessageID != "" {
			detail = e.MessageID
		}
		if detail == "" && e.MaxTokens > 0 {
			detail = fmt.Sprintf("%d/%d tokens", e.CurrentTokens, e.MaxTokens)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.SessionID, e.Kind, e.Attempt, e.RevertAttempt, detail)
	}
	return w.Flush()
}
