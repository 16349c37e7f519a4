// Package main is the entry point for the lspool daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dshills/lspool/internal/config"
	"github.com/dshills/lspool/internal/lsp"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if opts.root != "" {
		cfg.Root = opts.root
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: resolve root: %v\n", err)
		return 1
	}

	setupLogging(cfg.LogLevel)

	registry := cfg.Registry()
	if len(registry) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no language servers found on PATH and none configured\n")
		return 1
	}
	for lang, srv := range registry {
		slog.Info("server available", "language", lang, "command", srv.Command)
	}

	mgr := lsp.NewManager(root, registry, cfg.PoolConfig())

	projects, err := mgr.Detector().AllProjects()
	if err != nil {
		slog.Warn("project scan failed", "error", err)
	}
	for _, p := range projects {
		slog.Info("project detected",
			"root", p.Key.Root, "language", p.Key.Language, "marker", p.Marker)
	}

	watcher, err := lsp.NewWatcher(root, mgr)
	if err != nil {
		slog.Warn("file watching disabled", "error", err)
	}

	go logNotifications(mgr)

	slog.Info("lspool running", "root", root, "version", version)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	slog.Info("shutting down")
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			slog.Warn("watcher close failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace*2)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		slog.Error("shutdown incomplete", "error", err)
		return 1
	}

	stats := mgr.CacheStats()
	slog.Info("cache totals", "hits", stats.Hits, "misses", stats.Misses)
	return 0
}

// logNotifications surfaces server pushes, most usefully diagnostics, into
// the log stream.
func logNotifications(mgr *lsp.Manager) {
	for n := range mgr.Notifications() {
		slog.Debug("server notification",
			"project", n.Key.Root, "language", n.Key.Language, "method", n.Method)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

type options struct {
	configPath string
	root       string
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.root, "root", "", "Workspace root to manage")
	flag.StringVar(&opts.root, "r", "", "Workspace root to manage (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "lspool - pooled language server manager\n\n")
		fmt.Fprintf(os.Stderr, "Usage: lspool [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  lspool -r ./workspace       Manage servers for a workspace\n")
		fmt.Fprintf(os.Stderr, "  lspool -c lspool.yaml       Run with a configuration file\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("lspool %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		os.Exit(0)
	}

	return opts
}
