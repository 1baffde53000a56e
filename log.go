package kixdns

import (
	"log/slog"
	"os"
)

// Log is the package-wide structured logger. It defaults to a quiet handler
// that only surfaces warnings and above; cmd/kixdns reconfigures it once the
// CLI flags are parsed (see SetDebug).
var Log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelWarn,
}))

// SetDebug reconfigures the package logger, matching the CLI's --debug flag:
// debug on means full source-aware debug logging, otherwise only warnings
// and errors are emitted.
func SetDebug(debug bool) {
	opts := &slog.HandlerOptions{}
	if debug {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	} else {
		opts.Level = slog.LevelWarn
	}
	Log = slog.New(slog.NewTextHandler(os.Stderr, opts))
}
