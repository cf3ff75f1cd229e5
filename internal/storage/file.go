package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "timertrigger/pkg/logx"
)

// fileStore appends JSON Lines to one file and keeps the newest records in
// memory. The file is rewritten with only the kept records once it has grown
// to twice the retention.
type fileStore struct {
	log    logx.Logger
	path   string
	retain int

	mu    sync.Mutex
	f     *os.File
	tail  []TickRecord // oldest first, len <= retain
	lines int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, retain: cfg.retain()}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		s.lines++
		var r TickRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash is expected.
			continue
		}
		s.push(r)
	}
	return sc.Err()
}

func (s *fileStore) push(r TickRecord) {
	s.tail = append(s.tail, r)
	if over := len(s.tail) - s.retain; over > 0 {
		s.tail = append(s.tail[:0], s.tail[over:]...)
	}
}

func (s *fileStore) AppendTick(ctx context.Context, r TickRecord) error {
	_ = ctx
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.lines++
	s.push(r)
	if s.lines >= 2*s.retain {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("tick history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.tail {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.lines = len(s.tail)
	s.log.Debug("tick history compacted", logx.Int("kept", len(s.tail)))
	return nil
}

func (s *fileStore) RecentTicks(ctx context.Context, component string, limit int) ([]TickRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TickRecord, 0, min(limit, len(s.tail)))
	for i := len(s.tail) - 1; i >= 0 && len(out) < limit; i-- {
		if component == "" || s.tail[i].Component == component {
			out = append(out, s.tail[i])
		}
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
