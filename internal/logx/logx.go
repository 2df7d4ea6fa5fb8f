// Package logx builds the process logger and the terminal styles used by the CLI.
package logx

import (
	"os"
	"strings"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// ParseLevel maps a config level name onto a logger level.
func ParseLevel(s string) (glog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return glog.LevelDebug, nil
	case "", "info":
		return glog.LevelInfo, nil
	case "warn", "warning":
		return glog.LevelWarn, nil
	case "error":
		return glog.LevelError, nil
	default:
		return glog.LevelInfo, errors.Errorf("unknown log level %q (expect: debug|info|warn|error)", s)
	}
}

// NewLogger returns a console logger named name at the given level.
func NewLogger(name, level string) (glog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger, err := glog.NewConsoleWithName(name, lvl)
	if err != nil {
		return nil, errors.Wrap(err, "create logger")
	}
	return logger, nil
}

// ColorEnabled reports whether styled output should be written to f.
func ColorEnabled(f *os.File, disabled bool) bool {
	if disabled || f == nil || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type Styles struct {
	Name  lipgloss.Style
	URL   lipgloss.Style
	Error lipgloss.Style
	Muted lipgloss.Style
}

// NewStyles returns plain styles when color is false.
func NewStyles(color bool) Styles {
	if !color {
		plain := lipgloss.NewStyle()
		return Styles{Name: plain, URL: plain, Error: plain, Muted: plain}
	}
	return Styles{
		Name:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		URL:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Underline(true),
		Error: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		Muted: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}
