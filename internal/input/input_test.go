package input

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitharvest/internal/model"
)

func TestReadProjectKeys(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"named column", "name,project_key\nApp,PRJ\nLib, LIB \n", []string{"PRJ", "LIB"}},
		{"first column fallback", "key\nPRJ\n\nOPS\n", []string{"PRJ", "OPS"}},
		{"bom and case", "\ufeffProject_Key\nPRJ\n", []string{"PRJ"}},
		{"comments skipped", "project_key\n# retired\nPRJ\n", []string{"PRJ"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadProjectKeys(strings.NewReader(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadProjectKeys_Empty(t *testing.T) {
	_, err := ReadProjectKeys(strings.NewReader(""))
	assert.Error(t, err)
}

func TestReadCommitRefs(t *testing.T) {
	in := "project_key,repo_slug,commit_id,author_email\n" +
		"PRJ,app,abc123,Ada@Example.com\n" +
		"PRJ,lib,def456\n" +
		",,\n"
	got, err := ReadCommitRefs(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []model.CommitRef{
		{CommitID: "abc123", ProjectKey: "PRJ", RepoSlug: "app", AuthorEmail: "Ada@Example.com"},
		{CommitID: "def456", ProjectKey: "PRJ", RepoSlug: "lib"},
	}, got)
}

func TestReadCommitRefs_MissingColumns(t *testing.T) {
	_, err := ReadCommitRefs(strings.NewReader("commit_id\nabc\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project_key, repo_slug")
}

func TestReadCommitRefs_IncompleteRow(t *testing.T) {
	_, err := ReadCommitRefs(strings.NewReader("commit_id,project_key,repo_slug\nabc,PRJ,\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReadAllowList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"plain lines", "Ada@Example.com\nbob@example.com\n", []string{"ada@example.com", "bob@example.com"}},
		{"csv email column", "name,email\nAda,ADA@example.com\nBob,\n", []string{"ada@example.com"}},
		{"unlabelled header", "authors\nada@example.com\n", []string{"ada@example.com"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadAllowList(strings.NewReader(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.csv")
	require.NoError(t, os.WriteFile(path, []byte("project_key\nPRJ\n"), 0o644))

	keys, err := ReadProjectKeysFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"PRJ"}, keys)

	_, err = ReadCommitRefsFile(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)

	_, err = ReadAllowListFile("")
	assert.Error(t, err)
}
