package main

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/martec-compiler/internal/config"
	"github.com/mattjoyce/martec-compiler/internal/sweeper"
)

// CheckCmd validates the settings file without starting anything.
type CheckCmd struct{}

func (c *CheckCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.Load(root.SettingsPath())
	if err != nil {
		return err
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy, policyErr := sweeper.PolicyFromConfig(cfg.Period, cfg.KeepFor, cfg.TrimTo, quiet)

	w := g.Out
	fmt.Fprintf(w, "settings:      %s\n", cfg.Path)
	fmt.Fprintf(w, "fingerprint:   %s\n", cfg.Fingerprint)
	fmt.Fprintf(w, "workspaces:    %s\n", cfg.TempDirectory)
	fmt.Fprintf(w, "listen:        %s\n", cfg.ListenAddr())
	fmt.Fprintf(w, "build:         %s run --rm -v <workspace>:%s -w %s %s %s\n",
		cfg.Build.Docker, cfg.Build.MountPoint, cfg.Build.MountPoint, cfg.Build.Image, strings.Join(cfg.Build.Command, " "))
	fmt.Fprintf(w, "sweep period:  %s\n", policy.Period)
	fmt.Fprintf(w, "keep for:      %s\n", describeAge(policy))
	fmt.Fprintf(w, "trim to:       %s\n", describeSize(policy))
	fmt.Fprintf(w, "guard running: %t\n", cfg.Retention.GuardRunning())
	if cfg.History.Path != "" {
		fmt.Fprintf(w, "history:       %s\n", cfg.History.Path)
	}

	if _, err := exec.LookPath(cfg.Build.Docker); err != nil {
		fmt.Fprintf(w, "warning: container runtime %q not found in PATH\n", cfg.Build.Docker)
	}
	if policyErr != nil {
		return fmt.Errorf("retention settings: %w", policyErr)
	}
	return nil
}

func describeAge(p sweeper.Policy) string {
	if p.MaxAge < 0 {
		return "unlimited"
	}
	return p.MaxAge.String()
}

func describeSize(p sweeper.Policy) string {
	if p.MaxTotalSize < 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%s (%d bytes)", humanize.Bytes(uint64(p.MaxTotalSize)), p.MaxTotalSize)
}
