package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

const maxLogFiles = 20

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// New returns a JSON logger writing to a fresh file in logDir when debug is
// enabled (or BST_DEBUG=1), and a discarding logger otherwise. The returned
// close func must be called on shutdown.
func New(debug bool, logDir string) (*slog.Logger, func() error, error) {
	if os.Getenv("BST_DEBUG") == "1" {
		debug = true
	}
	if !debug {
		return Discard(), func() error { return nil }, nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rotate(logDir, maxLogFiles); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: log rotation failed: %v\n", err)
	}

	path := filepath.Join(logDir, uuid.New().String()+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("creating log file: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger.Info("debug logging initialized", "log_file", path)
	return logger, f.Close, nil
}

// rotate keeps at most keep-1 existing .log files so the new one fits.
func rotate(logDir string, keep int) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return fmt.Errorf("reading log directory: %w", err)
	}

	type logFile struct {
		path string
		mod  int64
	}
	var files []logFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{filepath.Join(logDir, e.Name()), info.ModTime().UnixNano()})
	}
	if len(files) < keep {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod < files[j].mod })
	for _, f := range files[:len(files)-keep+1] {
		if err := os.Remove(f.path); err != nil {
			return fmt.Errorf("removing %s: %w", f.path, err)
		}
	}
	return nil
}
