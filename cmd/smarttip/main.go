package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/smarttip/internal/logging"
	"github.com/zombor/smarttip/internal/scanning"
	"github.com/zombor/smarttip/internal/tipping"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// rootConfig holds the flags shared by every subcommand
type rootConfig struct {
	logLevel    *string
	scannerType *string
	geminiKey   *string
	geminiModel *string
	ollamaURL   *string
	ollamaModel *string
	scanTimeout *time.Duration
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	rootFlags := ff.NewFlagSet("smarttip")
	cfg := rootConfig{
		logLevel:    rootFlags.StringLong("log-level", "info", "Log level: debug, info, warn, error"),
		scannerType: rootFlags.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'"),
		geminiKey:   rootFlags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)"),
		geminiModel: rootFlags.StringLong("gemini-model", scanning.DefaultGeminiModel, "Google Gemini model name"),
		ollamaURL:   rootFlags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL"),
		ollamaModel: rootFlags.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)"),
		scanTimeout: rootFlags.DurationLong("scan-timeout", tipping.DefaultScanTimeout, "Timeout for a single receipt scan"),
	}

	root := &ff.Command{
		Name:      "smarttip",
		Usage:     "smarttip [FLAGS] <SUBCOMMAND>",
		ShortHelp: "split a bill, optionally reading the total from a receipt photo",
		Flags:     rootFlags,
	}
	root.Subcommands = []*ff.Command{
		serveCommand(rootFlags, cfg),
		calcCommand(rootFlags),
		scanCommand(rootFlags, cfg),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.Parse(os.Args[1:], ff.WithEnvVarPrefix("SMARTTIP")); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(selected(root)))
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(selected(root)))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	level, err := logging.ParseLevel(*cfg.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(os.Stderr, level, isatty.IsTerminal(os.Stderr.Fd()))

	if err := root.Run(ctx); err != nil {
		if errors.Is(err, ff.ErrNoExec) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root))
			os.Exit(1)
		}
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// geminiAPIKey resolves the credential from the flag or the conventional env vars
func geminiAPIKey(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	for _, name := range []string{"GEMINI_API_KEY", "API_KEY"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// newScanner builds the configured receipt scanner
func newScanner(cfg rootConfig) (scanning.Scanner, error) {
	switch *cfg.scannerType {
	case "gemini":
		slog.Info("Initializing Gemini scanner...", "model", *cfg.geminiModel)
		return scanning.NewGemini(scanning.GeminiConfig{
			APIKey: geminiAPIKey(*cfg.geminiKey),
			Model:  *cfg.geminiModel,
		})
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *cfg.ollamaURL, "model", *cfg.ollamaModel)
		return scanning.NewOllama(*cfg.ollamaURL, *cfg.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid scanner type %q: valid types are gemini or ollama", *cfg.scannerType)
	}
}

// selected returns the subcommand chosen on the command line, or root
func selected(root *ff.Command) *ff.Command {
	if cmd := root.GetSelected(); cmd != nil {
		return cmd
	}
	return root
}
