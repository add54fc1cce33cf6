package config

import (
	"io"
	"log/slog"
	"os"
)

// SetupLogging configures the global slog logger based on args
// Returns the log file handle (caller must close it) or nil if no file
func SetupLogging(args Args) (*os.File, error) {
	handler, logFile, err := newHandler(args, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(handler))
	return logFile, nil
}

func newHandler(args Args, stderr io.Writer) (slog.Handler, *os.File, error) {
	mode := args.OutputMode()

	var writers []io.Writer
	var logFile *os.File

	if args.Log != "" {
		f, err := os.OpenFile(args.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		logFile = f
		writers = append(writers, f)
	}

	switch mode {
	case "tui":
		// The alternate screen owns the terminal, so only the file gets logs
		if len(writers) == 0 {
			writers = append(writers, io.Discard)
		}
	default:
		// JSON data goes to stdout and report text is printed at the end,
		// so stderr is free for logs
		writers = append(writers, stderr)
	}

	var output io.Writer
	if len(writers) == 1 {
		output = writers[0]
	} else {
		output = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(args.LogLevel),
	}
	if opts.Level == slog.LevelDebug {
		opts.AddSource = true
	}

	if mode == "json" {
		return slog.NewJSONHandler(output, opts), logFile, nil
	}
	return slog.NewTextHandler(output, opts), logFile, nil
}

// parseLogLevel converts string to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
