package output

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitharvest/internal/model"
)

func sampleRecords() []model.CommitRecord {
	return []model.CommitRecord{
		{
			ProjectKey: "PRJ", RepoSlug: "app", AuthorName: "Ada", AuthorEmail: "ada@example.com",
			CommitID: "abc123", CommitMonth: "2024-03", Branch: "main", FileName: "src/a.go",
			LinesAdded: 2, LinesModified: 1, DiffURL: "https://bb/rest/api/1.0/x", Status: model.StatusOK,
		},
		{
			ProjectKey: "PRJ", RepoSlug: "app", AuthorName: "Ada, \"the first\"", AuthorEmail: "ada@example.com",
			CommitID: "def456", CommitMonth: "2024-03", Branch: "main", IsMerge: true, Status: model.StatusMerge,
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var r *csv.Reader
	if strings.HasSuffix(path, ".lz4") {
		r = csv.NewReader(lz4.NewReader(f))
	} else {
		r = csv.NewReader(f)
	}
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteChunk_WritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	w, err := NewChunkWriter(dir, "commits")
	require.NoError(t, err)

	path, err := w.WriteChunk(sampleRecords(), "PRJ")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "commits_PRJ.csv"), path)

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, model.CommitRecordHeader, rows[0])
	assert.Equal(t, "abc123", rows[1][6])
	assert.Equal(t, "Ada, \"the first\"", rows[2][2])
	assert.Equal(t, "true", rows[2][9])

	leftovers, err := filepath.Glob(filepath.Join(dir, ".chunk-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestWriteChunk_CollisionGetsTimestampSuffix(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	w, err := NewChunkWriter(dir, "commits", WithNow(func() time.Time { return fixed }))
	require.NoError(t, err)

	first, err := w.WriteChunk(sampleRecords(), "batch-0001")
	require.NoError(t, err)
	second, err := w.WriteChunk(sampleRecords()[:1], "batch-0001")
	require.NoError(t, err)
	third, err := w.WriteChunk(sampleRecords()[:1], "batch-0001")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "commits_batch-0001.csv"), first)
	assert.Equal(t, filepath.Join(dir, "commits_batch-0001_20240506T070809.csv"), second)
	assert.Equal(t, filepath.Join(dir, "commits_batch-0001_20240506T070809_2.csv"), third)

	assert.Len(t, readCSV(t, first), 3)
	assert.Len(t, readCSV(t, second), 2)
}

func TestWriteChunk_Compressed(t *testing.T) {
	dir := t.TempDir()
	w, err := NewChunkWriter(dir, "commits", WithCompression(true))
	require.NoError(t, err)

	path, err := w.WriteChunk(sampleRecords(), "PRJ")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "commits_PRJ.csv.lz4"))

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, "def456", rows[2][6])
}

func TestWriteChunk_Validation(t *testing.T) {
	w, err := NewChunkWriter(t.TempDir(), "commits")
	require.NoError(t, err)

	_, err = w.WriteChunk(nil, "PRJ")
	assert.Error(t, err)
	_, err = w.WriteChunk(sampleRecords(), "  ")
	assert.Error(t, err)

	_, err = NewChunkWriter("", "commits")
	assert.Error(t, err)
	_, err = NewChunkWriter(t.TempDir(), "a/b")
	assert.Error(t, err)
}

func TestWriteChunk_SanitizesID(t *testing.T) {
	dir := t.TempDir()
	w, err := NewChunkWriter(dir, "commits")
	require.NoError(t, err)

	path, err := w.WriteChunk(sampleRecords(), "PRJ/app")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "commits_PRJ_app.csv"), path)
}

func TestWriteChunk_ConcurrentDistinctFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewChunkWriter(dir, "commits")
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		paths = map[string]struct{}{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := w.WriteChunk(sampleRecords(), "same")
			assert.NoError(t, err)
			mu.Lock()
			paths[p] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, paths, 10)
}

func TestWriteFailures(t *testing.T) {
	dir := t.TempDir()
	w, err := NewChunkWriter(dir, "commits")
	require.NoError(t, err)

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	path, err := w.WriteFailures([]model.FailureRecord{{
		Target:    "https://bb/rest/api/1.0/projects/PRJ/repos/app/commits/abc/diff",
		SubjectID: "abc",
		Reason:    "max retries exceeded",
		Category:  model.CategoryAPI,
		Severity:  model.SeverityError,
		Time:      at,
	}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "commits_failures.csv"), path)

	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, model.FailureRecordHeader, rows[0])
	assert.Equal(t, []string{
		"https://bb/rest/api/1.0/projects/PRJ/repos/app/commits/abc/diff",
		"abc", "max retries exceeded", "api-failure", "error", "2024-01-02T03:04:05Z",
	}, rows[1])
}
