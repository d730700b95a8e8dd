package main

import (
	"io"
	"log/slog"
)

// testLogger returns a discard logger shared by the package's test files.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
