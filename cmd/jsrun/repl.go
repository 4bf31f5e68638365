package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"golang.org/x/term"

	engine "github.com/icyseptember2237/jsengine"
)

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true)

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	stringStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	objectStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	nullStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// repl reads statements from a terminal, or the whole of stdin when it is
// not one.
func repl(cc *engine.ConcurrentContext, cfg config) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		source, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		return evaluate(cc, cfg, string(source), "<stdin>", false)
	}

	rcfg := &readline.Config{
		Prompt:          promptStyle.Render("> "),
		InterruptPrompt: "^C",
		EOFPrompt:       ".exit",
	}
	if cfg.cacheDir != "" {
		if err := os.MkdirAll(cfg.cacheDir, 0o700); err == nil {
			rcfg.HistoryFile = filepath.Join(cfg.cacheDir, "history")
		}
	}
	rl, err := readline.NewEx(rcfg)
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println(helpStyle.Render("jsrun " + engine.Version() + ", .exit or Ctrl-D to quit"))
	for {
		line, err := rl.Readline()
		switch {
		case stderrors.Is(err, readline.ErrInterrupt):
			continue
		case stderrors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case ".exit":
			return nil
		}
		if err := evaluate(cc, cfg, line, "<repl>", true); err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		}
	}
}
