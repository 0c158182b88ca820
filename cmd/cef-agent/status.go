package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cefsiem/cef-agent/internal/state"
	"github.com/cefsiem/cef-agent/internal/status"
	"github.com/cefsiem/cef-agent/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Query a running agent",
	Long: `Ask a running agent for its current phase and failing uploads.

The agent must have been started with its status server enabled
(--status-addr, default ` + status.DefaultAddr + `).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		base := "http://" + addr
		client := &http.Client{Timeout: 5 * time.Second}

		var health status.Health
		if err := fetchJSON(client, base+"/health", &health); err != nil {
			return fmt.Errorf("agent not reachable at %s: %w", addr, err)
		}

		var failed []state.Record
		if err := fetchJSON(client, base+"/state?failed=1", &failed); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "\n%s Agent Status\n\n", ui.RenderAccent("●"))
		fmt.Fprintf(w, "Phase: %s\n", health.Phase)
		if health.CurrentPath != "" {
			fmt.Fprintf(w, "Current: %s\n", health.CurrentPath)
		}
		fmt.Fprintf(w, "Tracked paths: %d\n", health.Tracked)
		fmt.Fprintf(w, "Stream clients: %d\n", health.Clients)

		if len(failed) == 0 {
			fmt.Fprintf(w, "\n%s No failing uploads\n\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Fprintf(w, "\n%s %d failing uploads:\n", ui.RenderWarn("⚠"), len(failed))
		for _, rec := range failed {
			fmt.Fprintf(w, "  %s  %s\n", rec.Path, ui.RenderMuted(rec.LastError))
		}
		fmt.Fprintln(w)
		return nil
	},
}

func fetchJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func init() {
	statusCmd.Flags().String("addr", status.DefaultAddr, "Status server address of the running agent")
	rootCmd.AddCommand(statusCmd)
}
