package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Service owns the process sinks. Apply swaps them while loggers are in use.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return zl
	}
	return &nop
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply rebuilds the sinks for cfg. The log file stays open across calls
// that keep the same path. A file that cannot be opened is reported on
// stderr and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var writers []io.Writer
	if cfg.File.Enabled {
		if f, err := s.openFile(cfg.File.Path); err != nil {
			fmt.Fprintf(stderr, "logx: %v\n", err)
		} else {
			writers = append(writers, zerolog.SyncWriter(f))
		}
	} else {
		s.closeFile()
	}
	if cfg.Console || len(writers) == 0 {
		writers = append(writers, stdoutWriter(cfg.Format))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(levelOr(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// openFile returns the open sink for path, reopening only when it changed.
// Callers hold s.mu.
func (s *Service) openFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultFilePath
	}
	if s.file != nil && s.filePath == path {
		return s.file, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	s.closeFile()
	s.file, s.filePath = f, path
	return f, nil
}

func (s *Service) closeFile() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}

// Close releases the file sink. Later lines go to stdout only.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	zl := zerolog.New(stdoutWriter(s.cfg.Format)).Level(levelOr(s.cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
	return s.closeFile()
}

func stdoutWriter(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), FormatJSON) {
		return stdout
	}
	return consoleWriter(stdout)
}

func consoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}
