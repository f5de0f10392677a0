// Package logging sets up the daemon's slog output: stderr plus a rotating
// log file. The level lives in a slog.LevelVar so the device store's
// globals.log_level can change it after the logger is built.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pilot-net/huawei-manager/agent/internal/config"
)

// Logger bundles the slog logger with its level and file sink.
type Logger struct {
	*slog.Logger

	Level *slog.LevelVar
	Path  string // Log file in use, empty when logging to stderr only

	file io.WriteCloser
}

// New builds a logger from cfg. stderr is always written; the file sink uses
// cfg.File, or cfg.FallbackFile when the primary directory is not writable.
// A missing file sink is not an error.
func New(cfg config.LoggingConfig, stderr io.Writer) (*Logger, error) {
	if stderr == nil {
		stderr = os.Stderr
	}

	level := new(slog.LevelVar)
	lvl, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level.Set(lvl)

	l := &Logger{Level: level}
	out := stderr

	for _, path := range []string{cfg.File, cfg.FallbackFile} {
		if path == "" || !writableDir(filepath.Dir(path)) {
			continue
		}
		l.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    orDefault(cfg.MaxSizeMB, 1),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
		}
		l.Path = path
		out = io.MultiWriter(stderr, l.file)
		break
	}

	l.Logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return l, nil
}

// SetLevel parses and applies a level name.
func (l *Logger) SetLevel(name string) error {
	lvl, err := config.ParseLevel(name)
	if err != nil {
		return err
	}
	l.Level.Set(lvl)
	return nil
}

// Close closes the file sink.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func writableDir(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".huawei-manager-logtest-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// String describes the sink for the startup log line.
func (l *Logger) String() string {
	if l.Path == "" {
		return "stderr"
	}
	return fmt.Sprintf("stderr+%s", l.Path)
}
