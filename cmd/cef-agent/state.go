package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/cefsiem/cef-agent/internal/state"
	"github.com/cefsiem/cef-agent/internal/statedb"
	"github.com/cefsiem/cef-agent/internal/ui"
)

var stateCmd = &cobra.Command{
	Use:     "state",
	GroupID: "inspect",
	Short:   "Show the upload journal",
	Long: `Show the last upload outcome for every path the agent has delivered.

Reads the journal directly, so it works whether or not the agent is running.

Examples:
  cef-agent state                      # every path
  cef-agent state --failed             # paths waiting for a retry
  cef-agent state --since "2 hours ago"
  cef-agent state --since yesterday --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		failedOnly, _ := cmd.Flags().GetBool("failed")
		sinceText, _ := cmd.Flags().GetString("since")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter := statedb.Filter{FailedOnly: failedOnly}
		if sinceText != "" {
			since, err := parseSince(sinceText, time.Now())
			if err != nil {
				return err
			}
			filter.Since = since
		}

		cfgPath, err := configPath()
		if err != nil {
			return err
		}
		dbPath := stateDBPath(cfgPath)
		if _, err := os.Stat(dbPath); errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s No upload journal at %s\n", ui.RenderWarn("⚠"), dbPath)
			return nil
		}

		db, err := statedb.Open(dbPath, nil)
		if err != nil {
			return err
		}
		defer db.Close()

		records, err := db.List(context.Background(), filter)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if records == nil {
				records = []state.Record{}
			}
			return enc.Encode(records)
		}
		printRecords(cmd.OutOrStdout(), records)
		return nil
	},
}

// parseSince accepts an RFC 3339 timestamp, a Go duration ("90m") or a
// natural-language expression ("2 hours ago", "yesterday").
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)

	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d.Abs()), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a time expression", text)
	}
	return r.Time, nil
}

func printRecords(w io.Writer, records []state.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("No uploads recorded"))
		return
	}

	rows := make([][]string, 0, len(records))
	failed := 0
	for _, rec := range records {
		marker := ui.RenderPass("✓")
		if rec.UploadFailed {
			marker = ui.RenderFail("✗")
			failed++
		}
		rows = append(rows, []string{
			marker,
			rec.Path,
			formatTimestamp(rec.LastSuccessfulUpload),
			strconv.Itoa(rec.Attempts),
			rec.LastError,
		})
	}

	fmt.Fprintln(w, ui.Table([]string{"", "PATH", "LAST SUCCESS", "ATTEMPTS", "ERROR"}, rows))
	fmt.Fprintf(w, "%d paths, %d failing\n", len(records), failed)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func init() {
	stateCmd.Flags().Bool("failed", false, "Only show paths whose last upload failed")
	stateCmd.Flags().String("since", "", `Only show paths updated since this time (e.g. "2 hours ago")`)
	stateCmd.Flags().Bool("json", false, "Output JSON")
	rootCmd.AddCommand(stateCmd)
}
