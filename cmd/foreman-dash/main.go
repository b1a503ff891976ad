// Package main implements the foreman-dash terminal dashboard: a live,
// read-only view of the broker's workers, tasks, and event stream.
package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"foreman/pkg/config"
	"foreman/pkg/store"
)

func main() {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "foreman-dash requires an interactive terminal")
		os.Exit(1)
	}

	cfg, err := config.LoadOrDefault("foreman.yaml", "foreman.toml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-dash: %v\n", err)
		os.Exit(1)
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		fmt.Fprintf(os.Stderr, "foreman-dash: no broker database at %s\n", cfg.DBPath)
		os.Exit(1)
	}

	s, err := store.OpenReadOnly(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "foreman-dash: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = s.Close() }()

	p := tea.NewProgram(newModel(s), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "foreman-dash: %v\n", err)
		os.Exit(1)
	}
}
