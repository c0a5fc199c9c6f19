package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitharvest/internal/model"
	"commitharvest/internal/reconcile"
)

type fakeSource struct {
	mu       sync.Mutex
	repos    map[string][]model.Repository
	repoErr  error
	branches map[string][]string
	commits  map[string][]model.Commit // "key/slug@branch"
	details  map[string]model.Commit   // commit id
	calls    []string
}

func (f *fakeSource) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSource) Repositories(_ context.Context, key string) ([]model.Repository, error) {
	f.record("repos " + key)
	if f.repoErr != nil {
		return nil, f.repoErr
	}
	return f.repos[key], nil
}

func (f *fakeSource) RecentBranches(_ context.Context, repo model.Repository, limit int) ([]string, error) {
	f.record("branches " + repo.String())
	b, ok := f.branches[repo.String()]
	if !ok {
		return nil, errors.New("repository not found")
	}
	if len(b) > limit {
		b = b[:limit]
	}
	return b, nil
}

func (f *fakeSource) Commits(_ context.Context, repo model.Repository, branch string, _ model.Window) ([]model.Commit, error) {
	f.record("commits " + repo.String() + "@" + branch)
	return f.commits[repo.String()+"@"+branch], nil
}

func (f *fakeSource) Commit(_ context.Context, repo model.Repository, id string) (model.Commit, error) {
	f.record("commit " + id)
	c, ok := f.details[id]
	if !ok {
		return model.Commit{}, fmt.Errorf("commit %s not found", id)
	}
	return c, nil
}

type fakeDiffs struct {
	diffs map[string]reconcile.CommitDiff
	errs  map[string]error
}

func (f *fakeDiffs) Diff(_ context.Context, _ model.Repository, id string) (reconcile.CommitDiff, error) {
	if err := f.errs[id]; err != nil {
		return reconcile.CommitDiff{}, err
	}
	return f.diffs[id], nil
}

var march = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func editDiff(path string) reconcile.FileDiff {
	return reconcile.FileDiff{
		Destination: path,
		Hunks: []reconcile.Hunk{{
			Segments: []reconcile.Segment{
				{Type: reconcile.Removed, Lines: []reconcile.Line{{Source: 2, Text: "old"}}},
				{Type: reconcile.Added, Lines: []reconcile.Line{
					{Destination: 2, Text: "new"},
					{Destination: 3, Text: "a"},
					{Destination: 4, Text: "b"},
				}},
			},
		}},
	}
}

func newTestProcessor(t *testing.T, src Source, diffs DiffSource, cfg Config) *Processor {
	t.Helper()
	if cfg.BranchLimit == 0 {
		cfg.BranchLimit = 2
	}
	p, err := New(src, diffs, cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNow(func() time.Time { return march }),
	)
	require.NoError(t, err)
	return p
}

func projectFixture() (*fakeSource, *fakeDiffs) {
	src := &fakeSource{
		repos: map[string][]model.Repository{
			"PRJ": {{ProjectKey: "PRJ", Slug: "app"}},
		},
		branches: map[string][]string{"PRJ/app": {"main", "release"}},
		commits: map[string][]model.Commit{
			"PRJ/app@main": {
				{ID: "c1", Author: model.Identity{Name: "Ada", Email: "ADA@Example.com"}, AuthorTime: march, ParentIDs: []string{"p"}, URL: "u/c1"},
				{ID: "m1", Author: model.Identity{Name: "Bob", Email: "bob@example.com"}, AuthorTime: march, ParentIDs: []string{"a", "b"}},
			},
			"PRJ/app@release": {
				{ID: "c1", Author: model.Identity{Name: "Ada", Email: "ada@example.com"}, AuthorTime: march, ParentIDs: []string{"p"}},
				{ID: "c2", Author: model.Identity{Name: "Eve", Email: "eve@example.com"}, AuthorTime: march, ParentIDs: []string{"p"}},
			},
		},
		details: map[string]model.Commit{
			"m1": {ID: "m1", Committer: model.Identity{Name: "Merger", Email: "Merger@Example.com"}},
		},
	}
	diffs := &fakeDiffs{
		diffs: map[string]reconcile.CommitDiff{
			"c1": {URL: "https://host/c1/diff", Files: []reconcile.FileDiff{editDiff("main.go"), {Destination: "logo.png", Binary: true}}},
			"c2": {Stats: []reconcile.FileStat{{Path: "docs/readme.md", Counts: reconcile.Counts{Added: 4}}}},
		},
	}
	return src, diffs
}

func TestProcess_ProjectFileGranularity(t *testing.T) {
	src, diffs := projectFixture()
	p := newTestProcessor(t, src, diffs, Config{})

	res := p.Process(context.Background(), model.NewProjectUnit("PRJ"))
	require.NoError(t, res.Err)
	assert.Empty(t, res.Failures)
	require.Len(t, res.Records, 4)

	byKey := map[string]model.CommitRecord{}
	for _, r := range res.Records {
		byKey[r.CommitID+":"+r.FileName] = r
	}

	main := byKey["c1:main.go"]
	assert.Equal(t, "ada@example.com", main.AuthorEmail)
	assert.Equal(t, "main", main.Branch)
	assert.Equal(t, "2024-03", main.CommitMonth)
	assert.Equal(t, "https://host/c1/diff", main.DiffURL)
	assert.Equal(t, [3]int{2, 0, 1}, [3]int{main.LinesAdded, main.LinesRemoved, main.LinesModified})
	assert.Equal(t, model.StatusOK, main.Status)

	logo := byKey["c1:logo.png"]
	assert.Equal(t, model.StatusBinary, logo.Status)
	assert.Zero(t, logo.LinesAdded+logo.LinesRemoved+logo.LinesModified)

	merge := byKey["m1:"]
	assert.True(t, merge.IsMerge)
	assert.Equal(t, model.StatusMerge, merge.Status)
	assert.Equal(t, "Merger", merge.CommitterName)
	assert.Equal(t, "merger@example.com", merge.CommitterEmail)

	readme := byKey["c2:docs/readme.md"]
	assert.Equal(t, "release", readme.Branch)
	assert.Equal(t, 4, readme.LinesAdded)
}

func TestProcess_DeduplicatesAcrossBranches(t *testing.T) {
	src, diffs := projectFixture()
	p := newTestProcessor(t, src, diffs, Config{Granularity: GranularityCommit})

	res := p.Process(context.Background(), model.NewProjectUnit("PRJ"))
	require.NoError(t, res.Err)

	count := map[string]int{}
	for _, r := range res.Records {
		count[r.CommitID]++
	}
	assert.Equal(t, map[string]int{"c1": 1, "m1": 1, "c2": 1}, count)
}

func TestProcess_CommitGranularityAggregates(t *testing.T) {
	src, diffs := projectFixture()
	p := newTestProcessor(t, src, diffs, Config{Granularity: GranularityCommit})

	res := p.Process(context.Background(), model.NewProjectUnit("PRJ"))
	var c1 model.CommitRecord
	for _, r := range res.Records {
		if r.CommitID == "c1" {
			c1 = r
		}
	}
	assert.Equal(t, "main.go;logo.png", c1.FileName)
	assert.Equal(t, 2, c1.LinesAdded)
	assert.Equal(t, 1, c1.LinesModified)
	assert.Equal(t, model.StatusOK, c1.Status)
}

func TestProcess_AllowListIsCaseInsensitive(t *testing.T) {
	src, diffs := projectFixture()
	p := newTestProcessor(t, src, diffs, Config{Authors: NewAllowList([]string{" Ada@EXAMPLE.com "})})

	res := p.Process(context.Background(), model.NewProjectUnit("PRJ"))
	require.NotEmpty(t, res.Records)
	for _, r := range res.Records {
		assert.Equal(t, "ada@example.com", r.AuthorEmail)
	}
}

func TestProcess_WindowFiltersCommits(t *testing.T) {
	src, diffs := projectFixture()
	src.commits["PRJ/app@main"][0].AuthorTime = time.Date(2024, 2, 28, 23, 59, 0, 0, time.UTC)
	window := model.Window{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
	}
	p := newTestProcessor(t, src, diffs, Config{Window: window, Granularity: GranularityCommit})

	res := p.Process(context.Background(), model.NewProjectUnit("PRJ"))
	ids := map[string]bool{}
	for _, r := range res.Records {
		ids[r.CommitID] = true
	}
	// c1 reappears on release with an in-window timestamp but was already seen.
	assert.Equal(t, map[string]bool{"m1": true, "c2": true}, ids)
}

func TestProcess_ExcludePaths(t *testing.T) {
	src, diffs := projectFixture()
	p := newTestProcessor(t, src, diffs, Config{ExcludePaths: []string{"**/*.png", "docs/**"}})

	res := p.Process(context.Background(), model.NewProjectUnit("PRJ"))
	for _, r := range res.Records {
		assert.NotEqual(t, "logo.png", r.FileName)
		assert.NotEqual(t, "c2", r.CommitID, "commit with only excluded files yields no rows")
	}
}

func TestProcess_DiffFailuresBecomePlaceholders(t *testing.T) {
	src, diffs := projectFixture()
	diffs.errs = map[string]error{
		"c1": fmt.Errorf("decode diff: %w", reconcile.ErrMalformed),
	}
	diffs.diffs["c2"] = reconcile.CommitDiff{}
	p := newTestProcessor(t, src, diffs, Config{})

	res := p.Process(context.Background(), model.NewProjectUnit("PRJ"))
	require.NoError(t, res.Err)

	status := map[string]string{}
	for _, r := range res.Records {
		status[r.CommitID] = r.Status
	}
	assert.Equal(t, model.StatusDiffFailed, status["c1"])
	assert.Equal(t, model.StatusEmptyDiff, status["c2"])

	require.Len(t, res.Failures, 2)
	cats := map[string]model.Category{}
	for _, f := range res.Failures {
		cats[f.SubjectID] = f.Category
		assert.Equal(t, march, f.Time)
	}
	assert.Equal(t, model.CategoryDiffParse, cats["c1"])
	assert.Equal(t, model.CategoryProcessing, cats["c2"])
}

func TestProcess_MergeDetailFailureFallsBackToAuthor(t *testing.T) {
	src, diffs := projectFixture()
	delete(src.details, "m1")
	p := newTestProcessor(t, src, diffs, Config{})

	res := p.Process(context.Background(), model.NewProjectUnit("PRJ"))
	var merge model.CommitRecord
	for _, r := range res.Records {
		if r.CommitID == "m1" {
			merge = r
		}
	}
	assert.Equal(t, "Bob", merge.CommitterName)
	assert.Equal(t, "bob@example.com", merge.CommitterEmail)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, model.SeverityWarning, res.Failures[0].Severity)
}

func TestProcess_RepositoryListingFailure(t *testing.T) {
	src, diffs := projectFixture()
	src.repoErr = errors.New("boom")
	p := newTestProcessor(t, src, diffs, Config{})

	res := p.Process(context.Background(), model.NewProjectUnit("PRJ"))
	require.NoError(t, res.Err)
	assert.Empty(t, res.Records)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, model.CategoryAPI, res.Failures[0].Category)
	assert.Contains(t, res.Failures[0].Reason, "boom")
}

func TestProcess_BranchFailureMovesToNextRepository(t *testing.T) {
	src, diffs := projectFixture()
	src.repos["PRJ"] = append(src.repos["PRJ"], model.Repository{ProjectKey: "PRJ", Slug: "gone"})
	p := newTestProcessor(t, src, diffs, Config{RepoConcurrency: 2})

	res := p.Process(context.Background(), model.NewProjectUnit("PRJ"))
	assert.Len(t, res.Records, 4)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "PRJ/gone", res.Failures[0].Target)
}

func TestProcess_CommitBatch(t *testing.T) {
	src, diffs := projectFixture()
	src.details["c1"] = model.Commit{ID: "c1", Author: model.Identity{Name: "Ada"}, AuthorTime: march, ParentIDs: []string{"p"}}
	p := newTestProcessor(t, src, diffs, Config{Granularity: GranularityCommit})

	unit := model.NewCommitBatch(0, []model.CommitRef{
		{CommitID: "c1", ProjectKey: "PRJ", RepoSlug: "app", AuthorEmail: "Ada@Example.com"},
		{CommitID: "missing", ProjectKey: "PRJ", RepoSlug: "app"},
	})
	res := p.Process(context.Background(), unit)
	require.NoError(t, res.Err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "ada@example.com", res.Records[0].AuthorEmail)
	assert.Empty(t, res.Records[0].Branch)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "missing", res.Failures[0].SubjectID)
}

func TestProcess_CommitBatchMergeUsesFetchedDetail(t *testing.T) {
	src, diffs := projectFixture()
	src.details["m1"] = model.Commit{
		ID:         "m1",
		Author:     model.Identity{Name: "Bob", Email: "bob@example.com"},
		Committer:  model.Identity{Name: "Merger", Email: "Merger@Example.com"},
		AuthorTime: march,
		ParentIDs:  []string{"a", "b"},
	}
	p := newTestProcessor(t, src, diffs, Config{})

	res := p.Process(context.Background(), model.NewCommitBatch(0, []model.CommitRef{
		{CommitID: "m1", ProjectKey: "PRJ", RepoSlug: "app"},
	}))
	require.NoError(t, res.Err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, model.StatusMerge, res.Records[0].Status)
	assert.Equal(t, "merger@example.com", res.Records[0].CommitterEmail)
	assert.Equal(t, []string{"commit m1"}, src.calls)
}

func TestProcess_CanceledUnitReportsError(t *testing.T) {
	src, diffs := projectFixture()
	p := newTestProcessor(t, src, diffs, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Process(ctx, model.NewProjectUnit("PRJ"))
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestNew_Validation(t *testing.T) {
	src, diffs := projectFixture()
	_, err := New(src, diffs, Config{})
	assert.Error(t, err)
	_, err = New(src, diffs, Config{BranchLimit: 1, ExcludePaths: []string{"[unclosed"}})
	assert.Error(t, err)
	_, err = New(nil, diffs, Config{BranchLimit: 1})
	assert.Error(t, err)
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("COMMIT")
	require.NoError(t, err)
	assert.Equal(t, GranularityCommit, g)
	g, err = ParseGranularity("")
	require.NoError(t, err)
	assert.Equal(t, GranularityFile, g)
	_, err = ParseGranularity("line")
	assert.Error(t, err)
}

func TestAllowList(t *testing.T) {
	var empty *AllowList
	assert.True(t, empty.Allows("anyone@example.com"))
	assert.True(t, NewAllowList(nil).Allows("anyone@example.com"))

	a := NewAllowList([]string{"A@x.io", "", "b@x.io"})
	assert.Equal(t, 2, a.Len())
	assert.True(t, a.Allows("a@X.IO"))
	assert.False(t, a.Allows("c@x.io"))
}
