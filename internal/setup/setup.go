// Package setup performs first-run configuration: it collects the host details,
// registers the agent and persists the resulting configuration.
package setup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/cefsiem/cef-agent/internal/config"
	"github.com/cefsiem/cef-agent/internal/delivery"
	"github.com/cefsiem/cef-agent/internal/watch"
)

// ErrNotInteractive is returned when first-run setup needs a terminal and none is attached.
var ErrNotInteractive = errors.New("first-run setup requires an interactive terminal")

// Answers are the values collected on first run.
type Answers struct {
	HostID     string
	AccountID  string
	Hostname   string
	SIEMURL    string
	WatchPaths []string
}

// Prompter collects Answers from the operator.
type Prompter interface {
	Ask(ctx context.Context) (Answers, error)
}

// Registrar performs the registration handshake. *delivery.Client satisfies it.
type Registrar interface {
	Register(ctx context.Context, req delivery.RegisterRequest) (delivery.Identity, error)
}

// ClientFactory builds a Registrar for the SIEM URL the operator entered.
type ClientFactory func(siemURL string) Registrar

// FirstRun prompts for the host details, registers the agent and saves the
// configuration to path. Nothing is written if registration fails.
func FirstRun(ctx context.Context, p Prompter, newClient ClientFactory, path string) (*config.AgentConfig, error) {
	answers, err := p.Ask(ctx)
	if err != nil {
		return nil, err
	}
	if err := answers.Validate(); err != nil {
		return nil, err
	}
	return Register(ctx, newClient(answers.SIEMURL), answers, path)
}

// Register sends the registration request and persists the configuration on success.
func Register(ctx context.Context, reg Registrar, answers Answers, path string) (*config.AgentConfig, error) {
	if err := answers.Validate(); err != nil {
		return nil, err
	}

	identity, err := reg.Register(ctx, delivery.RegisterRequest{
		HostID:    answers.HostID,
		AccountID: answers.AccountID,
		Hostname:  answers.Hostname,
		IPAddress: LocalIP(),
		Status:    delivery.StatusActive,
	})
	if err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}

	cfg := &config.AgentConfig{
		AgentID:    identity.AgentID,
		APIKey:     identity.APIKey,
		HostID:     answers.HostID,
		AccountID:  answers.AccountID,
		WatchPaths: []string{},
		SIEMURL:    answers.SIEMURL,
	}
	for _, p := range answers.WatchPaths {
		cfg.AddPath(watch.ParseTarget(p))
	}

	if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("registered, but failed to save config: %w", err)
	}
	return cfg, nil
}

// Validate normalizes the answers and checks required fields.
func (a *Answers) Validate() error {
	a.HostID = strings.TrimSpace(a.HostID)
	a.AccountID = strings.TrimSpace(a.AccountID)
	a.Hostname = strings.TrimSpace(a.Hostname)
	a.SIEMURL = strings.TrimSpace(a.SIEMURL)

	if a.HostID == "" {
		return fmt.Errorf("host ID is required")
	}
	if a.AccountID == "" {
		return fmt.Errorf("account ID is required")
	}
	if a.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			a.Hostname = h
		}
	}
	if a.SIEMURL == "" {
		a.SIEMURL = config.DefaultSIEMURL
	}
	return config.ValidateURL(a.SIEMURL)
}

// ParseWatchPaths splits operator input (one path per line) and checks each
// path exists. Missing paths are returned separately so they can be reported.
func ParseWatchPaths(input string) (existing, missing []string) {
	for _, line := range strings.Split(input, "\n") {
		p := strings.TrimSpace(line)
		if p == "" || strings.EqualFold(p, "done") {
			continue
		}
		target := watch.ParseTarget(p)
		if _, err := os.Stat(target.Path); err != nil {
			missing = append(missing, p)
			continue
		}
		if abs, err := filepath.Abs(target.Path); err == nil {
			target.Path = abs
		}
		existing = append(existing, target.String())
	}
	return existing, missing
}

// LocalIP returns the first non-loopback IPv4 address of the host, or 127.0.0.1.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
