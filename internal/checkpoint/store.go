// Package checkpoint persists the set of completed work identifiers so an
// interrupted run can resume.
package checkpoint

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is an append-only set of identifiers backed by a text file with one
// identifier per line. It is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	f    appendFile
	size int64 // bytes of complete lines in f
	ids  map[string]struct{}
}

// appendFile is the part of *os.File the store writes through.
type appendFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

// Open loads path (creating it and its directory when missing) and keeps it
// open for appends. A final line without a trailing newline is the remains of
// an interrupted write and is dropped.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("checkpoint: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}

	ids, complete, err := load(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	// Cut a torn tail so the next append starts on a fresh line.
	if err := f.Truncate(complete); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("checkpoint: truncate torn tail: %w", err)
	}
	if _, err := f.Seek(complete, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("checkpoint: seek: %w", err)
	}

	return &Store{path: path, f: f, size: complete, ids: ids}, nil
}

// load returns the identifiers in path and the byte length of its complete
// lines.
func load(path string) (map[string]struct{}, int64, error) {
	ids := make(map[string]struct{})
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ids, 0, nil
		}
		return nil, 0, fmt.Errorf("checkpoint: read: %w", err)
	}

	complete := int64(bytes.LastIndexByte(data, '\n') + 1)
	sc := bufio.NewScanner(bytes.NewReader(data[:complete]))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			ids[id] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("checkpoint: scan: %w", err)
	}
	return ids, complete, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Record durably appends ids. All new identifiers go out in a single write
// followed by fsync; identifiers already present are skipped. A failed write
// is cut back so the file ends on a complete line.
func (s *Store) Record(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return errors.New("checkpoint: store is closed")
	}

	var buf bytes.Buffer
	fresh := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || strings.ContainsAny(id, "\r\n") {
			continue
		}
		if _, ok := s.ids[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		fresh = append(fresh, id)
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	if len(fresh) == 0 {
		return nil
	}

	if _, err := s.f.Write(buf.Bytes()); err != nil {
		return s.rollback(fmt.Errorf("checkpoint: write: %w", err))
	}
	if err := s.f.Sync(); err != nil {
		return s.rollback(fmt.Errorf("checkpoint: sync: %w", err))
	}
	s.size += int64(buf.Len())
	for _, id := range fresh {
		s.ids[id] = struct{}{}
	}
	return nil
}

// rollback truncates f to the last complete line and repositions the append
// offset there. It returns cause, joined with any error from the cleanup.
func (s *Store) rollback(cause error) error {
	if err := s.f.Truncate(s.size); err != nil {
		return errors.Join(cause, fmt.Errorf("checkpoint: truncate: %w", err))
	}
	if _, err := s.f.Seek(s.size, io.SeekStart); err != nil {
		return errors.Join(cause, fmt.Errorf("checkpoint: seek: %w", err))
	}
	return cause
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
