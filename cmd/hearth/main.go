// Package main is the entry point for the hearth extension host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kverity/hearth/internal/config"
	"github.com/kverity/hearth/internal/extension"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		return 1
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if len(opts.pluginPaths) > 0 {
		cfg.PluginPaths = opts.pluginPaths
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	manager := extension.New(extension.ManagerConfig{
		PluginPaths:       cfg.PluginPaths,
		StorageDir:        cfg.StorageDir,
		ActivationTimeout: cfg.ActivationTimeoutDuration(),
		CallTimeout:       cfg.CallTimeoutDuration(),
		Factories:         extension.NewFactories(),
		SharedModules:     nil,
		Logger:            log,
	})

	ctx := context.Background()
	if err := manager.Discover(); err != nil {
		log.WithError(err).Warn("discovery reported problems")
	}
	defer func() {
		if err := manager.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("shutdown reported problems")
		}
	}()

	if cfg.Watch {
		watcher, err := extension.NewWatcher(manager)
		if err != nil {
			log.WithError(err).Warn("plugin watcher unavailable")
		} else {
			defer watcher.Close()
		}
	}

	if err := manager.ActivateByEvent(ctx, extension.EventStartup); err != nil {
		log.WithError(err).Warn("some startup plugins failed")
	}

	if opts.list {
		printStates(manager)
		return 0
	}

	// Run until interrupted.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	log.Info("shutting down")
	return 0
}

func printStates(manager *extension.Manager) {
	for _, host := range manager.List() {
		m := host.Manifest()
		fmt.Printf("%-30s %-10s %s\n", m.ID+"@"+m.Version, host.State(), m.DisplayName)
	}
	for _, p := range manager.Problems() {
		fmt.Printf("%-30s %-10s %v\n", p.Path, "invalid", p.Err)
	}
}

func newLogger(cfg config.Config) (*logrus.Entry, error) {
	l := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	l.SetLevel(level)
	if cfg.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(l), nil
}

type options struct {
	configPath  string
	logLevel    string
	pluginPaths []string
	list        bool
}

func parseFlags() options {
	var opts options
	var showVersion bool

	flag.StringVar(&opts.configPath, "config", config.DefaultPath(), "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", config.DefaultPath(), "Path to configuration file (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.list, "list", false, "Discover and activate startup plugins, print their states, and exit")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Hearth - in-process extension host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: hearth [options] [plugin-paths...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  hearth                      Run with the configured plugin paths\n")
		fmt.Fprintf(os.Stderr, "  hearth -list ./extensions   Activate startup plugins and print states\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("Hearth %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	opts.pluginPaths = flag.Args()
	return opts
}
