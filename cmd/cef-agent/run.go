package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cefsiem/cef-agent/internal/agent"
	"github.com/cefsiem/cef-agent/internal/config"
	"github.com/cefsiem/cef-agent/internal/delivery"
	"github.com/cefsiem/cef-agent/internal/logging"
	"github.com/cefsiem/cef-agent/internal/metrics"
	"github.com/cefsiem/cef-agent/internal/setup"
	"github.com/cefsiem/cef-agent/internal/state"
	"github.com/cefsiem/cef-agent/internal/statedb"
	"github.com/cefsiem/cef-agent/internal/status"
	"github.com/cefsiem/cef-agent/internal/watch"
)

// DefaultAPIPath is joined to the SIEM URL to form the delivery base URL.
const DefaultAPIPath = "/backend/agent"

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "agent",
	Short:   "Start the agent (default when no command is given)",
	Long: `Start watching the configured paths and forwarding log files.

On first run, when no configuration exists, the agent asks for the host
details, registers with the SIEM and saves agent_config.json.

The agent:
  1. Uploads every created or modified file ending in the log suffix
  2. Sends a heartbeat every --heartbeat-interval
  3. After a successful heartbeat, retries every upload that failed
  4. Serves /health, /state, /metrics and /ws on --status-addr

Every flag can also be set with a CEF_AGENT_ environment variable, for example
CEF_AGENT_HEARTBEAT_INTERVAL=1m.`,
	RunE: runAgent,
}

func addRunFlags(cmd *cobra.Command) {
	defaults := agent.DefaultConfig()
	fs := cmd.Flags()
	fs.Duration("heartbeat-interval", defaults.HeartbeatInterval, "Interval between heartbeats and retry sweeps")
	fs.String("suffix", defaults.LogSuffix, "Only files with this extension are uploaded")
	fs.Duration("request-timeout", delivery.DefaultTimeout, "Timeout for each request to the SIEM")
	fs.String("log-file", "", "Also write logs to this file (rotated)")
	fs.String("status-addr", status.DefaultAddr, "Listen address for the status server (empty to disable)")
	fs.String("api-path", DefaultAPIPath, "Path of the agent API on the SIEM")
	fs.Bool("once", false, "Send one heartbeat, retry failed uploads, then exit")
}

// newClient builds a delivery client for siemURL using the run flags.
func newClient(siemURL string) *delivery.Client {
	base := strings.TrimRight(siemURL, "/") + "/" + strings.TrimLeft(settings.GetString("api-path"), "/")
	return delivery.NewClient(base,
		delivery.WithTimeout(settings.GetDuration("request-timeout")),
		delivery.WithUserAgent("cef-agent/"+Version),
	)
}

func runAgent(cmd *cobra.Command, args []string) error {
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out := logging.New(logging.Options{File: settings.GetString("log-file")})
	defer out.Close()
	logger := out.Logger("agent")

	cfgPath, err := configPath()
	if err != nil {
		return err
	}

	cfg, err := config.Load(cfgPath)
	if errors.Is(err, config.ErrConfigurationMissing) {
		logger.Printf("No configuration at %s, starting first-run setup", cfgPath)
		cfg, err = setup.FirstRun(ctx, setup.NewHuhPrompter(), func(siemURL string) setup.Registrar {
			return newClient(siemURL)
		}, cfgPath)
		if err != nil {
			return firstRunError(err, cfgPath)
		}
		logger.Printf("Registered as agent %s, configuration saved to %s", cfg.AgentID, cfgPath)
	} else if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration %s: %w", cfgPath, err)
	}

	store := state.New()

	db, err := statedb.Open(stateDBPath(cfgPath), out.Logger("statedb"))
	if err != nil {
		return err
	}
	defer db.Close()

	journal := statedb.NewJournal(db)
	pending, err := journal.Restore(ctx, store)
	if err != nil {
		logger.Printf("Warning: %v", err)
	} else if pending > 0 {
		logger.Printf("Restored %d failed uploads from %s", pending, db.Path())
	}

	recorder := metrics.NewRecorder()
	recorder.Seed(store.Snapshot())

	observers := []agent.Observer{journal, recorder}

	var server *status.Server
	if addr := settings.GetString("status-addr"); addr != "" {
		server = status.NewServer(&status.Config{
			Addr:    addr,
			Metrics: recorder.Handler(),
			Logger:  out.Logger("status"),
		})
		if err := server.Start(); err != nil {
			logger.Printf("Warning: status server disabled: %v", err)
			server = nil
		} else {
			defer server.Stop()
			observers = append(observers, status.NewHandler(server, out.Logger("status")))
		}
	}

	source, err := watch.NewSource(out.Logger("watch"))
	if err != nil {
		return err
	}
	defer source.Close()

	for _, target := range cfg.Targets() {
		if err := source.Watch(target); err != nil {
			logger.Printf("Warning: skipping watch path %s: %v", target, err)
			continue
		}
		logger.Printf("Watching %s", target)
	}

	loop, err := agent.New(newClient(cfg.SIEMURL), source, store, cfg.Identity(), &agent.Config{
		HeartbeatInterval: settings.GetDuration("heartbeat-interval"),
		LogSuffix:         settings.GetString("suffix"),
		Logger:            logger,
		Observers:         observers,
		Now:               time.Now,
	})
	if err != nil {
		return err
	}
	if server != nil {
		server.Attach(loop)
	}

	if settings.GetBool("once") {
		return loop.Tick(ctx)
	}

	logger.Printf("Agent %s running (heartbeat every %v)", cfg.AgentID, settings.GetDuration("heartbeat-interval"))
	err = loop.Run(ctx)
	if ctx.Err() != nil {
		logger.Println("Shutting down")
		return nil
	}
	return err
}

// firstRunError explains a failed first run. A rejected registration leaves
// nothing on disk, so the operator can simply try again.
func firstRunError(err error, cfgPath string) error {
	if delivery.IsFatal(err) {
		return fmt.Errorf("%w; nothing was written to %s, check the host and account IDs and run again", err, cfgPath)
	}
	return err
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}
