// Package input reads the CSV work lists and author allow-lists that drive a
// run.
package input

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"commitharvest/internal/model"
)

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	return cr
}

// header maps lower-cased column names to their index.
func header(row []string) map[string]int {
	cols := make(map[string]int, len(row))
	for i, name := range row {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	return cols
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func readAll(r io.Reader, what string) ([][]string, error) {
	rows, err := newReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("read %s: file is empty", what)
	}
	return rows, nil
}

// ReadProjectKeys reads the project_key column (or the first column when no
// such header exists) of a CSV with a header row.
func ReadProjectKeys(r io.Reader) ([]string, error) {
	rows, err := readAll(r, "project keys")
	if err != nil {
		return nil, err
	}
	col, ok := header(rows[0])["project_key"]
	if !ok {
		col = 0
	}

	var keys []string
	for _, row := range rows[1:] {
		if k := field(row, col); k != "" {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// ReadCommitRefs reads commit_id, project_key and repo_slug (required) and
// author_email (optional) columns.
func ReadCommitRefs(r io.Reader) ([]model.CommitRef, error) {
	rows, err := readAll(r, "commit list")
	if err != nil {
		return nil, err
	}
	cols := header(rows[0])
	var missing []string
	for _, name := range []string{"commit_id", "project_key", "repo_slug"} {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("read commit list: missing columns %s", strings.Join(missing, ", "))
	}
	emailCol, hasEmail := cols["author_email"]
	if !hasEmail {
		emailCol = -1
	}

	var refs []model.CommitRef
	for i, row := range rows[1:] {
		ref := model.CommitRef{
			CommitID:    field(row, cols["commit_id"]),
			ProjectKey:  field(row, cols["project_key"]),
			RepoSlug:    field(row, cols["repo_slug"]),
			AuthorEmail: field(row, emailCol),
		}
		if ref.CommitID == "" && ref.ProjectKey == "" && ref.RepoSlug == "" {
			continue
		}
		if ref.CommitID == "" || ref.ProjectKey == "" || ref.RepoSlug == "" {
			return nil, fmt.Errorf("read commit list: line %d: commit_id, project_key and repo_slug are required", i+2)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ReadAllowList reads author emails, either one per line or from the email
// column of a CSV with a header.
func ReadAllowList(r io.Reader) ([]string, error) {
	rows, err := newReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read allow-list: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := 0
	start := 0
	if idx, ok := header(rows[0])["email"]; ok {
		col, start = idx, 1
	} else if !strings.Contains(field(rows[0], 0), "@") {
		// Unlabelled header row.
		start = 1
	}

	var emails []string
	for _, row := range rows[start:] {
		if e := model.NormalizeEmail(field(row, col)); e != "" {
			emails = append(emails, e)
		}
	}
	return emails, nil
}

func readFile[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	var zero T
	if strings.TrimSpace(path) == "" {
		return zero, errors.New("input path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	v, err := read(f)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

func ReadProjectKeysFile(path string) ([]string, error) {
	return readFile(path, ReadProjectKeys)
}

func ReadCommitRefsFile(path string) ([]model.CommitRef, error) {
	return readFile(path, ReadCommitRefs)
}

func ReadAllowListFile(path string) ([]string, error) {
	return readFile(path, ReadAllowList)
}
