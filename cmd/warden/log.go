package main

import (
	"io"
	"log/slog"
	"os"
)

// discardLogger keeps engine logs off the terminal unless WARDEN_DEBUG is set.
func discardLogger() *slog.Logger {
	if os.Getenv("WARDEN_DEBUG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
