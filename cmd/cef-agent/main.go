package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cefsiem/cef-agent/internal/config"
	"github.com/cefsiem/cef-agent/internal/statedb"
	"github.com/cefsiem/cef-agent/internal/ui"
)

// Version is set at build time.
var Version = "dev"

// settings holds flag values bound to CEF_AGENT_* environment variables.
var settings = newSettings()

var rootCmd = &cobra.Command{
	Use:   "cef-agent",
	Short: "Forward host log files to the SIEM",
	Long: `cef-agent watches directories for log files and uploads every new or
changed file to the SIEM ingestion service.

Failed uploads are retried after each successful heartbeat. Run without a
subcommand to start the agent; the first run registers the host interactively.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAgent,
}

func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CEF_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// configPath returns --config, CEF_AGENT_CONFIG, or agent_config.json next to the executable.
func configPath() (string, error) {
	if p := settings.GetString("config"); p != "" {
		return p, nil
	}
	return config.DefaultPath()
}

// stateDBPath returns --state-db or state.db next to the configuration file.
func stateDBPath(cfgPath string) string {
	if p := settings.GetString("state-db"); p != "" {
		return p
	}
	return filepath.Join(filepath.Dir(cfgPath), statedb.FileName)
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "agent", Title: "Agent:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
	)

	rootCmd.PersistentFlags().String("config", "", "Path to agent_config.json (default: next to the executable)")
	rootCmd.PersistentFlags().String("state-db", "", "Path to the upload journal (default: state.db next to the config)")
	_ = settings.BindPFlags(rootCmd.PersistentFlags())

	addRunFlags(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
