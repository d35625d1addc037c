package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// setupLog routes logging to the file named by READALOUD_LOGFILE, or
// discards debug output when unset. Returns a closer for the log file.
func setupLog() (func() error, error) {
	log.SetTimeFormat(time.Kitchen)
	if os.Getenv("DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	path := os.Getenv("READALOUD_LOGFILE")
	if path == "" {
		log.SetOutput(os.Stderr)
		return func() error { return nil }, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}
	log.SetOutput(f)
	log.SetLevel(log.DebugLevel)
	return f.Close, nil
}
