package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/cefsiem/cef-agent/internal/config"
)

// HuhPrompter asks for the first-run answers with an interactive form.
type HuhPrompter struct {
	// Defaults pre-fill the form.
	Defaults Answers
}

// NewHuhPrompter creates a prompter with the hostname and SIEM URL pre-filled.
func NewHuhPrompter() *HuhPrompter {
	hostname, _ := os.Hostname()
	return &HuhPrompter{Defaults: Answers{
		Hostname: hostname,
		SIEMURL:  config.DefaultSIEMURL,
	}}
}

// Ask runs the form. Returns ErrNotInteractive when stdin is not a terminal.
func (p *HuhPrompter) Ask(ctx context.Context) (Answers, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return Answers{}, ErrNotInteractive
	}

	a := p.Defaults
	var paths string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("CEF agent setup").
				Description("No configuration found. Let's set up the agent."),
			huh.NewInput().
				Title("Host ID").
				Value(&a.HostID).
				Validate(required("host ID")),
			huh.NewInput().
				Title("Account ID").
				Value(&a.AccountID).
				Validate(required("account ID")),
			huh.NewInput().
				Title("Hostname").
				Value(&a.Hostname).
				Validate(required("hostname")),
			huh.NewInput().
				Title("SIEM URL").
				Placeholder(config.DefaultSIEMURL).
				Value(&a.SIEMURL).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return nil
					}
					return config.ValidateURL(strings.TrimSpace(s))
				}),
		),
		huh.NewGroup(
			huh.NewText().
				Title("Paths to watch").
				Description("One per line. End a directory with /... to include sub-directories.").
				Value(&paths).
				Validate(func(s string) error {
					if _, missing := ParseWatchPaths(s); len(missing) > 0 {
						return fmt.Errorf("path does not exist: %s", strings.Join(missing, ", "))
					}
					return nil
				}),
		),
	)

	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return Answers{}, fmt.Errorf("setup aborted")
		}
		return Answers{}, fmt.Errorf("setup form: %w", err)
	}

	a.WatchPaths, _ = ParseWatchPaths(paths)
	return a, nil
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}
