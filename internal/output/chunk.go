package output

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"

	"commitharvest/internal/model"
)

const (
	csvExtension = ".csv"
	lz4Extension = ".lz4"
	tmpPattern   = ".chunk-*.tmp"

	collisionLayout = "20060102T150405"
)

// ChunkWriter writes record batches as standalone CSV artifacts under one
// directory. Every artifact appears atomically (temp file + rename) so a
// reader never sees a partial chunk.
type ChunkWriter struct {
	dir      string
	prefix   string
	compress bool
	now      func() time.Time

	mu sync.Mutex
}

type ChunkOption func(*ChunkWriter)

// WithCompression wraps artifacts in an lz4 frame and appends ".lz4".
func WithCompression(enabled bool) ChunkOption {
	return func(w *ChunkWriter) { w.compress = enabled }
}

// WithNow overrides the clock used for collision suffixes.
func WithNow(now func() time.Time) ChunkOption {
	return func(w *ChunkWriter) {
		if now != nil {
			w.now = now
		}
	}
}

func NewChunkWriter(dir, prefix string, opts ...ChunkOption) (*ChunkWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, fmt.Errorf("chunk prefix required")
	}
	if strings.ContainsAny(prefix, `/\`) {
		return nil, fmt.Errorf("chunk prefix %q must not contain path separators", prefix)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	w := &ChunkWriter{dir: dir, prefix: prefix, now: time.Now}
	for _, apply := range opts {
		if apply != nil {
			apply(w)
		}
	}
	return w, nil
}

func (w *ChunkWriter) Dir() string {
	return w.dir
}

// WriteChunk writes records as <prefix>_<chunkID>.csv and returns the final
// path. An existing artifact with that name is never overwritten; the new one
// gets a timestamp suffix instead.
func (w *ChunkWriter) WriteChunk(records []model.CommitRecord, chunkID string) (string, error) {
	if len(records) == 0 {
		return "", errors.New("write chunk: no records")
	}
	chunkID = sanitizeID(chunkID)
	if chunkID == "" {
		return "", errors.New("write chunk: empty chunk id")
	}

	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, model.CommitRecordHeader)
	for _, r := range records {
		rows = append(rows, r.Row())
	}
	return w.write(w.prefix+"_"+chunkID, rows)
}

// WriteFailures writes the run's failure records as <prefix>_failures.csv.
func (w *ChunkWriter) WriteFailures(failures []model.FailureRecord) (string, error) {
	rows := make([][]string, 0, len(failures)+1)
	rows = append(rows, model.FailureRecordHeader)
	for _, f := range failures {
		rows = append(rows, f.Row())
	}
	return w.write(w.prefix+"_failures", rows)
}

func (w *ChunkWriter) write(base string, rows [][]string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	final := w.reserveName(base)

	tmp, err := os.CreateTemp(w.dir, tmpPattern)
	if err != nil {
		return "", fmt.Errorf("create temp chunk: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := w.encode(tmp, rows); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("sync chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close chunk: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename chunk: %w", err)
	}
	return final, nil
}

func (w *ChunkWriter) encode(dst io.Writer, rows [][]string) error {
	var (
		out io.Writer = dst
		zw  *lz4.Writer
	)
	if w.compress {
		zw = lz4.NewWriter(dst)
		out = zw
	}

	cw := csv.NewWriter(out)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("finish lz4 frame: %w", err)
		}
	}
	return nil
}

// reserveName picks the first free artifact name for base. Callers hold mu.
func (w *ChunkWriter) reserveName(base string) string {
	ext := csvExtension
	if w.compress {
		ext += lz4Extension
	}

	candidate := filepath.Join(w.dir, base+ext)
	if !exists(candidate) {
		return candidate
	}

	stamped := base + "_" + w.now().UTC().Format(collisionLayout)
	candidate = filepath.Join(w.dir, stamped+ext)
	for n := 2; exists(candidate); n++ {
		candidate = filepath.Join(w.dir, fmt.Sprintf("%s_%d%s", stamped, n, ext))
	}
	return candidate
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// sanitizeID keeps chunk ids usable as file name components.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, id)
}
