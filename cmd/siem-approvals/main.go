// Package main provides the operator approvals console for sentinel-siem.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"

	"sentinel-siem/internal/config"
	"sentinel-siem/internal/pipeline"
	"sentinel-siem/internal/tui"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		operator    string
		logPath     string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&operator, "operator", "", "Operator name recorded on approvals (defaults to the current user)")
	flag.StringVar(&logPath, "log", "", "Write pipeline logs to this file (discarded by default)")
	flag.Parse()

	if showVersion {
		fmt.Printf("siem-approvals %s\n", version)
		os.Exit(0)
	}

	if operator == "" {
		if u, err := user.Current(); err == nil {
			operator = u.Username
		} else {
			operator = "operator"
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// The console owns the terminal, so logs go to a file or nowhere.
	logOut := io.Discard
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	logger := slog.New(slog.NewJSONHandler(logOut, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := pipeline.Build(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build pipeline: %v\n", err)
		os.Exit(1)
	}

	if err := rt.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start pipeline: %v\n", err)
		rt.Close()
		os.Exit(1)
	}

	tuiErr := tui.Run(rt.Service, operator)

	cancel()
	rt.Close()

	if tuiErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", tuiErr)
		os.Exit(1)
	}
}
