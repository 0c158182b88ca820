// Package config loads and persists the agent configuration file.
//
// The file is a single JSON object stored next to the executable by default:
//
//	{
//	  "agent_id": "...",
//	  "api_key": "...",
//	  "host_id": "...",
//	  "account_id": "...",
//	  "watch_paths": ["/var/log/app", "/srv/logs/..."],
//	  "siem_url": "http://localhost:4200"
//	}
//
// A watch path ending in "/..." is watched recursively.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/cefsiem/cef-agent/internal/delivery"
	"github.com/cefsiem/cef-agent/internal/watch"
)

const (
	// FileName is the default configuration file name.
	FileName = "agent_config.json"

	// DefaultSIEMURL is used when no URL has been configured.
	DefaultSIEMURL = "http://localhost:4200"
)

// ErrConfigurationMissing is returned when no configuration file exists.
var ErrConfigurationMissing = errors.New("no configuration found")

// AgentConfig is the persisted agent configuration.
type AgentConfig struct {
	AgentID    string   `json:"agent_id" mapstructure:"agent_id" yaml:"agent_id" toml:"agent_id"`
	APIKey     string   `json:"api_key" mapstructure:"api_key" yaml:"api_key" toml:"api_key"`
	HostID     string   `json:"host_id" mapstructure:"host_id" yaml:"host_id" toml:"host_id"`
	AccountID  string   `json:"account_id" mapstructure:"account_id" yaml:"account_id" toml:"account_id"`
	WatchPaths []string `json:"watch_paths" mapstructure:"watch_paths" yaml:"watch_paths" toml:"watch_paths"`
	SIEMURL    string   `json:"siem_url" mapstructure:"siem_url" yaml:"siem_url" toml:"siem_url"`
}

// DefaultPath returns agent_config.json in the executable's directory.
func DefaultPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("could not determine executable path: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), FileName), nil
}

// Load reads the configuration at path.
// Returns ErrConfigurationMissing if the file does not exist.
func Load(path string) (*AgentConfig, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrConfigurationMissing, path)
		}
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("siem_url", DefaultSIEMURL)
	v.SetDefault("watch_paths", []string{})

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.WatchPaths == nil {
		cfg.WatchPaths = []string{}
	}

	return &cfg, nil
}

// Save writes the configuration to path atomically with owner-only permissions.
func (c *AgentConfig) Save(path string) error {
	if c.WatchPaths == nil {
		c.WatchPaths = []string{}
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".agent_config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// Validate checks that the configuration can drive the agent.
func (c *AgentConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("config missing api_key (re-register the agent)")
	}
	if strings.TrimSpace(c.HostID) == "" {
		return fmt.Errorf("config missing host_id")
	}
	if strings.TrimSpace(c.AccountID) == "" {
		return fmt.Errorf("config missing account_id")
	}
	return ValidateURL(c.SIEMURL)
}

// ValidateURL checks a SIEM URL.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse siem url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("siem url must use http or https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("siem url missing host: %s", raw)
	}
	return nil
}

// Identity returns the delivery credentials from the configuration.
func (c *AgentConfig) Identity() delivery.Identity {
	return delivery.Identity{
		AgentID:   c.AgentID,
		APIKey:    c.APIKey,
		HostID:    c.HostID,
		AccountID: c.AccountID,
	}
}

// Targets returns the configured watch targets.
func (c *AgentConfig) Targets() []watch.Target {
	targets := make([]watch.Target, 0, len(c.WatchPaths))
	for _, p := range c.WatchPaths {
		targets = append(targets, watch.ParseTarget(p))
	}
	return targets
}

// AddPath appends a watch path. Returns false if it was already present.
func (c *AgentConfig) AddPath(target watch.Target) bool {
	entry := target.String()
	for _, p := range c.WatchPaths {
		if p == entry {
			return false
		}
	}
	c.WatchPaths = append(c.WatchPaths, entry)
	return true
}

// RemovePath deletes a watch path, recursive or not. Returns false if absent.
func (c *AgentConfig) RemovePath(path string) bool {
	removed := false
	kept := c.WatchPaths[:0]
	for _, p := range c.WatchPaths {
		if p == path || watch.ParseTarget(p).Path == path {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	c.WatchPaths = kept
	return removed
}

// Redacted returns a copy safe to print.
func (c *AgentConfig) Redacted() AgentConfig {
	out := *c
	out.WatchPaths = append([]string{}, c.WatchPaths...)
	if len(out.APIKey) > 4 {
		out.APIKey = strings.Repeat("*", len(out.APIKey)-4) + out.APIKey[len(out.APIKey)-4:]
	} else if out.APIKey != "" {
		out.APIKey = "****"
	}
	return out
}
