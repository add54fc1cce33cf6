package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/tkjaer/mtrng/internal/config"
	"github.com/tkjaer/mtrng/internal/probe"
	"github.com/tkjaer/mtrng/internal/session"
)

func main() {
	args, err := config.ParseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Without a terminal there is nothing to draw the live view on
	if !args.Json && !args.Report && !term.IsTerminal(int(os.Stdout.Fd())) {
		args.Report = true
		if args.Count == 0 {
			args.Count = 10
		}
	}

	// Setup logging
	logFile, err := config.SetupLogging(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	slog.Debug("Starting path probe",
		"destination", args.Destination,
		"protocol", args.ProtocolName(),
		"output", args.OutputMode(),
	)

	m, err := session.NewManager(args)
	if err != nil {
		var permErr *probe.PermissionError
		switch {
		case errors.As(err, &permErr):
			fmt.Fprintf(os.Stderr, "Error: %v\n", permErr)
		case errors.Is(err, probe.ErrNoIPv6):
			fmt.Fprintf(os.Stderr, "Error: %v (no IPv6 raw socket, try -4 or a hostname with an IPv4 address)\n", err)
		default:
			fmt.Fprintf(os.Stderr, "Failed to start session: %v\n", err)
		}
		os.Exit(1)
	}

	// Set up signal handling for Ctrl+C
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan error)
	go func() {
		done <- m.Run(context.Background())
	}()

	select {
	case err = <-done:
	case <-sigChan:
		slog.Debug("Received interrupt signal, stopping...")
		m.Stop()
		// Wait for Run() to hand the final snapshot to the outputs
		err = <-done
	}
	if err != nil {
		slog.Error("Session failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	slog.Debug("Path probe completed")
}
