package index

import "log/slog"

// Package-level logger, shared by all Indexer instances
var log = slog.Default()

// SetLogger configures the package logger
func SetLogger(l *slog.Logger) {
	log = l
}
