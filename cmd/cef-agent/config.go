package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cefsiem/cef-agent/internal/config"
	"github.com/cefsiem/cef-agent/internal/ui"
	"github.com/cefsiem/cef-agent/internal/watch"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "agent",
	Short:   "View and edit the agent configuration",
	Long: `View and edit agent_config.json.

Changes take effect the next time the agent starts. The agent must have been
registered first; run 'cef-agent' once to complete setup.`,
}

var configAddPathCmd = &cobra.Command{
	Use:   "add-path <path>",
	Short: "Add a directory to watch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")

		target := watch.ParseTarget(args[0])
		target.Recursive = target.Recursive || recursive

		info, err := os.Stat(target.Path)
		if err != nil {
			return fmt.Errorf("%w: %s", watch.ErrPathNotFound, target.Path)
		}
		if !info.IsDir() && target.Recursive {
			return fmt.Errorf("%w: %s is not a directory", watch.ErrUnsupported, target.Path)
		}
		if abs, err := filepath.Abs(target.Path); err == nil {
			target.Path = abs
		}

		return updateConfig(cmd, func(cfg *config.AgentConfig) (string, error) {
			if !cfg.AddPath(target) {
				return fmt.Sprintf("%s Already watching %s", ui.RenderWarn("⚠"), target), nil
			}
			return fmt.Sprintf("%s Added %s", ui.RenderPass("✓"), target), nil
		})
	},
}

var configRemovePathCmd = &cobra.Command{
	Use:   "remove-path <path>",
	Short: "Stop watching a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := watch.ParseTarget(args[0]).Path
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}

		return updateConfig(cmd, func(cfg *config.AgentConfig) (string, error) {
			if !cfg.RemovePath(path) {
				return "", fmt.Errorf("not watching %s", path)
			}
			return fmt.Sprintf("%s Removed %s", ui.RenderPass("✓"), path), nil
		})
	},
}

var configListPathsCmd = &cobra.Command{
	Use:   "list-paths",
	Short: "List watched directories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(cfg.WatchPaths) == 0 {
			fmt.Fprintln(w, ui.RenderMuted("No watch paths configured"))
			return nil
		}
		for _, target := range cfg.Targets() {
			marker := ui.RenderPass("✓")
			if _, err := os.Stat(target.Path); err != nil {
				marker = ui.RenderFail("✗")
			}
			fmt.Fprintf(w, "%s %s\n", marker, target)
		}
		return nil
	},
}

var configSetURLCmd = &cobra.Command{
	Use:   "set-url <url>",
	Short: "Change the SIEM URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ValidateURL(args[0]); err != nil {
			return err
		}

		return updateConfig(cmd, func(cfg *config.AgentConfig) (string, error) {
			cfg.SIEMURL = args[0]
			return fmt.Sprintf("%s SIEM URL set to %s", ui.RenderPass("✓"), args[0]), nil
		})
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration (API key redacted)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := encodeConfig(cfg.Redacted(), format)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

// loadConfig loads the configuration. A missing file is an error here; only
// the agent itself runs first-run setup.
func loadConfig() (*config.AgentConfig, string, error) {
	path, err := configPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// updateConfig loads, edits and saves the configuration, printing the message edit returns.
func updateConfig(cmd *cobra.Command, edit func(cfg *config.AgentConfig) (string, error)) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	msg, err := edit(cfg)
	if err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func encodeConfig(cfg config.AgentConfig, format string) ([]byte, error) {
	switch format {
	case "json", "":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "yaml":
		return yaml.Marshal(cfg)
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want json, yaml or toml)", format)
	}
}

func init() {
	configAddPathCmd.Flags().BoolP("recursive", "r", false, "Also watch sub-directories")
	configShowCmd.Flags().StringP("format", "f", "json", "Output format: json, yaml or toml")

	configCmd.AddCommand(configAddPathCmd)
	configCmd.AddCommand(configRemovePathCmd)
	configCmd.AddCommand(configListPathsCmd)
	configCmd.AddCommand(configSetURLCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
