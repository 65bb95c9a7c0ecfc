// Package logging wires every subsystem to one decred/slog backend.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
)

const (
	SubServer     = "SRVR"
	SubLedger     = "LDGR"
	SubEscrow     = "ESCR"
	SubOrch       = "ORCH"
	SubSettlement = "SETL"
	SubHTTP       = "HTTP"
	SubStore      = "STOR"
	SubWS         = "WSCK"
)

var Subsystems = []string{SubServer, SubLedger, SubEscrow, SubOrch, SubSettlement, SubHTTP, SubStore, SubWS}

type Backend struct {
	b    *slog.Backend
	file *os.File

	mu      sync.Mutex
	loggers map[string]slog.Logger
	level   slog.Level
	per     map[string]slog.Level
}

// New creates a backend writing to stdout and, when logFile is set, to that
// file as well. levels has the SetLevels syntax.
func New(logFile string, levels string) (*Backend, error) {
	lvl, per, err := parseLevels(levels)
	if err != nil {
		return nil, err
	}
	var w io.Writer = os.Stdout
	var f *os.File
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, err
		}
		f, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w = io.MultiWriter(os.Stdout, f)
	}
	return &Backend{
		b:       slog.NewBackend(w),
		file:    f,
		loggers: map[string]slog.Logger{},
		level:   lvl,
		per:     per,
	}, nil
}

func (b *Backend) Logger(subsystem string) slog.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.loggers[subsystem]; ok {
		return l
	}
	l := b.b.Logger(subsystem)
	if v, ok := b.per[subsystem]; ok {
		l.SetLevel(v)
	} else {
		l.SetLevel(b.level)
	}
	b.loggers[subsystem] = l
	return l
}

// SetLevels applies a level string such as "info" or "info,LDGR=debug,HTTP=warn".
func (b *Backend) SetLevels(levels string) error {
	def, per, err := parseLevels(levels)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.level = def
	b.per = per
	for sub, l := range b.loggers {
		if v, ok := per[sub]; ok {
			l.SetLevel(v)
		} else {
			l.SetLevel(def)
		}
	}
	b.mu.Unlock()
	return nil
}

func (b *Backend) Close() error {
	if b.file == nil {
		return nil
	}
	return b.file.Close()
}

func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	lvl, ok := slog.LevelFromString(strings.ToLower(s))
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
	return lvl, nil
}

func parseLevels(levels string) (slog.Level, map[string]slog.Level, error) {
	def := slog.LevelInfo
	per := map[string]slog.Level{}
	for _, part := range strings.Split(levels, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sub, lvl, ok := strings.Cut(part, "=")
		if !ok {
			l, err := ParseLevel(part)
			if err != nil {
				return def, nil, err
			}
			def = l
			continue
		}
		l, err := ParseLevel(lvl)
		if err != nil {
			return def, nil, err
		}
		per[strings.ToUpper(strings.TrimSpace(sub))] = l
	}
	return def, per, nil
}

// Disabled returns a logger that drops everything. Tests use it.
func Disabled() slog.Logger { return slog.Disabled }
