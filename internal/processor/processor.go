// Package processor turns one work unit into commit rows and failure records.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"commitharvest/internal/metrics"
	"commitharvest/internal/model"
	"commitharvest/internal/reconcile"
)

// Source lists repositories, branches and commits of a VCS host.
type Source interface {
	Repositories(ctx context.Context, projectKey string) ([]model.Repository, error)
	RecentBranches(ctx context.Context, repo model.Repository, limit int) ([]string, error)
	Commits(ctx context.Context, repo model.Repository, branch string, window model.Window) ([]model.Commit, error)
	Commit(ctx context.Context, repo model.Repository, id string) (model.Commit, error)
}

// DiffSource returns the per-file changes of a commit.
type DiffSource interface {
	Diff(ctx context.Context, repo model.Repository, id string) (reconcile.CommitDiff, error)
}

// Granularity selects one row per changed file or one aggregated row per commit.
type Granularity string

const (
	GranularityFile   Granularity = "file"
	GranularityCommit Granularity = "commit"
)

func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(strings.ToLower(strings.TrimSpace(s))) {
	case "", GranularityFile:
		return GranularityFile, nil
	case GranularityCommit:
		return GranularityCommit, nil
	default:
		return "", fmt.Errorf("invalid granularity %q (expected file or commit)", s)
	}
}

type Config struct {
	Window          model.Window
	BranchLimit     int
	RepoConcurrency int
	Granularity     Granularity
	Authors         *AllowList
	ExcludePaths    []string
}

// Result is the outcome of one unit. Err is set only when the unit was
// interrupted and must not be checkpointed.
type Result struct {
	Unit     model.WorkUnit
	Records  []model.CommitRecord
	Failures []model.FailureRecord
	Err      error
}

type Processor struct {
	src     Source
	diffs   DiffSource
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithNow sets the clock used to stamp failure records.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func New(src Source, diffs DiffSource, cfg Config, opts ...Option) (*Processor, error) {
	if src == nil {
		return nil, errors.New("processor: source is nil")
	}
	if diffs == nil {
		return nil, errors.New("processor: diff source is nil")
	}
	if cfg.BranchLimit <= 0 {
		return nil, fmt.Errorf("processor: branch limit must be >= 1, got %d", cfg.BranchLimit)
	}
	if cfg.RepoConcurrency <= 0 {
		cfg.RepoConcurrency = 1
	}
	if cfg.Granularity == "" {
		cfg.Granularity = GranularityFile
	}
	for _, pattern := range cfg.ExcludePaths {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("processor: invalid exclude pattern %q", pattern)
		}
	}

	p := &Processor{
		src:    src,
		diffs:  diffs,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, apply := range opts {
		if apply != nil {
			apply(p)
		}
	}
	return p, nil
}

// collector accumulates the output of one repository or commit batch.
type collector struct {
	p        *Processor
	ctx      context.Context
	records  []model.CommitRecord
	failures []model.FailureRecord
}

func (c *collector) fail(target, subject string, err error, cat model.Category, sev model.Severity) {
	// Failures caused by the run being interrupted are not reported.
	if c.ctx.Err() != nil && errors.Is(err, c.ctx.Err()) {
		return
	}
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	c.failures = append(c.failures, model.FailureRecord{
		Target:    target,
		SubjectID: subject,
		Reason:    reason,
		Category:  cat,
		Severity:  sev,
		Time:      c.p.now().UTC(),
	})
	c.p.metrics.Failure(string(cat), string(sev))
	c.p.logger.Warn("unit failure",
		"target", target,
		"subject", subject,
		"category", cat,
		"severity", sev,
		"error", err,
	)
}

// Process runs unit to completion. Individual failures become FailureRecords
// and never abort the unit.
func (p *Processor) Process(ctx context.Context, unit model.WorkUnit) Result {
	res := Result{Unit: unit}
	var c *collector
	switch unit.Mode {
	case model.ModeSPK:
		c = p.processProject(ctx, unit.Key)
	case model.ModeCommit:
		c = p.processBatch(ctx, unit.Commits)
	default:
		res.Err = fmt.Errorf("unknown unit mode %q", unit.Mode)
		return res
	}
	res.Records = c.records
	res.Failures = c.failures
	if err := ctx.Err(); err != nil {
		res.Err = err
	}
	return res
}

func (p *Processor) processProject(ctx context.Context, projectKey string) *collector {
	c := &collector{p: p, ctx: ctx}
	log := p.logger.With("project", projectKey)

	repos, err := p.src.Repositories(ctx, projectKey)
	if err != nil {
		c.fail(projectKey, projectKey, fmt.Errorf("list repositories: %w", err), model.CategoryAPI, model.SeverityError)
		return c
	}
	log.Info("listed repositories", "count", len(repos))

	parts := make([]*collector, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.RepoConcurrency)
	for i, repo := range repos {
		g.Go(func() error {
			parts[i] = p.processRepo(gctx, repo)
			return nil
		})
	}
	_ = g.Wait()

	for _, part := range parts {
		if part == nil {
			continue
		}
		c.records = append(c.records, part.records...)
		c.failures = append(c.failures, part.failures...)
	}
	return c
}

func (p *Processor) processRepo(ctx context.Context, repo model.Repository) *collector {
	c := &collector{p: p, ctx: ctx}
	if ctx.Err() != nil {
		return c
	}

	branches, err := p.src.RecentBranches(ctx, repo, p.cfg.BranchLimit)
	if err != nil {
		c.fail(repo.String(), repo.Slug, fmt.Errorf("list branches: %w", err), model.CategoryAPI, model.SeverityError)
		return c
	}

	seen := make(map[string]struct{})
	for _, branch := range branches {
		if ctx.Err() != nil {
			return c
		}
		commits, err := p.src.Commits(ctx, repo, branch, p.cfg.Window)
		if err != nil {
			c.fail(repo.String()+"@"+branch, branch, fmt.Errorf("list commits: %w", err), model.CategoryAPI, model.SeverityError)
			continue
		}
		for _, cm := range commits {
			if _, dup := seen[cm.ID]; dup {
				continue
			}
			seen[cm.ID] = struct{}{}
			if !p.cfg.Window.Contains(cm.AuthorTime) || !p.cfg.Authors.Allows(cm.Author.Email) {
				continue
			}
			if ctx.Err() != nil {
				return c
			}
			p.emitCommit(c, repo, branch, cm, false)
		}
	}
	p.logger.Debug("repository done", "repo", repo.String(), "branches", len(branches), "commits", len(seen), "rows", len(c.records))
	return c
}

func (p *Processor) processBatch(ctx context.Context, refs []model.CommitRef) *collector {
	c := &collector{p: p, ctx: ctx}
	for _, ref := range refs {
		if ctx.Err() != nil {
			return c
		}
		repo := model.Repository{ProjectKey: ref.ProjectKey, Slug: ref.RepoSlug}
		cm, err := p.src.Commit(ctx, repo, ref.CommitID)
		if err != nil {
			c.fail(repo.String(), ref.CommitID, fmt.Errorf("fetch commit: %w", err), model.CategoryAPI, model.SeverityError)
			continue
		}
		if cm.ID == "" {
			cm.ID = ref.CommitID
		}
		if cm.Author.Email == "" {
			cm.Author.Email = ref.AuthorEmail
		}
		if !p.cfg.Window.Contains(cm.AuthorTime) || !p.cfg.Authors.Allows(cm.Author.Email) {
			continue
		}
		p.emitCommit(c, repo, "", cm, true)
	}
	return c
}

func (p *Processor) baseRecord(repo model.Repository, branch string, cm model.Commit) model.CommitRecord {
	return model.CommitRecord{
		ProjectKey:  repo.ProjectKey,
		RepoSlug:    repo.Slug,
		AuthorName:  cm.Author.Name,
		AuthorEmail: model.NormalizeEmail(cm.Author.Email),
		CommitID:    cm.ID,
		CommitMonth: model.CommitMonth(cm.AuthorTime),
		Branch:      branch,
		IsMerge:     cm.IsMerge(),
		DiffURL:     cm.URL,
	}
}

// emitCommit appends the rows of cm. detailed is set when cm already came from
// the commit detail endpoint.
func (p *Processor) emitCommit(c *collector, repo model.Repository, branch string, cm model.Commit, detailed bool) {
	if cm.IsMerge() {
		c.records = append(c.records, p.mergeRecord(c, repo, branch, cm, detailed))
		return
	}

	rec := p.baseRecord(repo, branch, cm)
	diff, err := p.diffs.Diff(c.ctx, repo, cm.ID)
	if err != nil {
		cat := model.CategoryAPI
		if errors.Is(err, reconcile.ErrMalformed) {
			cat = model.CategoryDiffParse
		}
		c.fail(repo.String(), cm.ID, fmt.Errorf("fetch diff: %w", err), cat, model.SeverityError)
		if c.ctx.Err() != nil {
			return
		}
		rec.Status = model.StatusDiffFailed
		c.records = append(c.records, rec)
		return
	}
	if diff.URL != "" {
		rec.DiffURL = diff.URL
	}
	if diff.Empty() {
		c.fail(repo.String(), cm.ID, errors.New("diff contains no files"), model.CategoryProcessing, model.SeverityWarning)
		rec.Status = model.StatusEmptyDiff
		c.records = append(c.records, rec)
		return
	}

	entries := p.fileEntries(diff)
	if len(entries) == 0 {
		return
	}
	if p.cfg.Granularity == GranularityCommit {
		c.records = append(c.records, aggregate(rec, entries))
		return
	}
	for _, e := range entries {
		r := rec
		r.FileName = e.path
		r.LinesAdded = e.counts.Added
		r.LinesRemoved = e.counts.Removed
		r.LinesModified = e.counts.Modified
		r.Status = e.status
		c.records = append(c.records, r)
	}
}

// mergeRecord builds the zero-count row of a merge commit. The committer is
// taken from the commit detail, then the listing, then the author. The detail
// is fetched only when cm is a listing entry.
func (p *Processor) mergeRecord(c *collector, repo model.Repository, branch string, cm model.Commit, detailed bool) model.CommitRecord {
	rec := p.baseRecord(repo, branch, cm)
	rec.Status = model.StatusMerge

	committer := cm.Committer
	if !detailed {
		if detail, err := p.src.Commit(c.ctx, repo, cm.ID); err != nil {
			c.fail(repo.String(), cm.ID, fmt.Errorf("fetch merge commit detail: %w", err), model.CategoryAPI, model.SeverityWarning)
		} else if detail.Committer.Email != "" || detail.Committer.Name != "" {
			committer = detail.Committer
		}
	}
	if committer.Email == "" && committer.Name == "" {
		committer = cm.Author
	}
	rec.CommitterName = committer.Name
	rec.CommitterEmail = model.NormalizeEmail(committer.Email)
	return rec
}

type fileEntry struct {
	path   string
	counts reconcile.Counts
	status string
}

func (p *Processor) fileEntries(diff reconcile.CommitDiff) []fileEntry {
	var out []fileEntry
	for _, f := range diff.Files {
		path := f.Path()
		if p.excluded(path) {
			continue
		}
		status := model.StatusOK
		switch {
		case f.Binary:
			status = model.StatusBinary
		case f.Incomplete():
			status = model.StatusTruncated
		}
		out = append(out, fileEntry{path: path, counts: reconcile.Reconcile(f), status: status})
	}
	for _, s := range diff.Stats {
		if p.excluded(s.Path) {
			continue
		}
		e := fileEntry{path: s.Path, counts: s.Counts, status: model.StatusOK}
		if s.Binary {
			e.counts = reconcile.Counts{}
			e.status = model.StatusBinary
		}
		out = append(out, e)
	}
	return out
}

func (p *Processor) excluded(path string) bool {
	for _, pattern := range p.cfg.ExcludePaths {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// aggregate folds file entries into one row. The row is ok when at least one
// file was counted, otherwise it carries the first file's status.
func aggregate(rec model.CommitRecord, entries []fileEntry) model.CommitRecord {
	names := make([]string, 0, len(entries))
	var total reconcile.Counts
	rec.Status = entries[0].status
	for _, e := range entries {
		names = append(names, e.path)
		total = total.Add(e.counts)
		if e.status == model.StatusOK {
			rec.Status = model.StatusOK
		}
	}
	rec.FileName = strings.Join(names, ";")
	rec.LinesAdded = total.Added
	rec.LinesRemoved = total.Removed
	rec.LinesModified = total.Modified
	return rec
}

// AllowList is a case-insensitive set of author emails. A nil or empty list
// allows everyone.
type AllowList struct {
	emails map[string]struct{}
}

func NewAllowList(emails []string) *AllowList {
	a := &AllowList{emails: make(map[string]struct{}, len(emails))}
	for _, e := range emails {
		if n := model.NormalizeEmail(e); n != "" {
			a.emails[n] = struct{}{}
		}
	}
	return a
}

func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.emails)
}

func (a *AllowList) Allows(email string) bool {
	if a.Len() == 0 {
		return true
	}
	_, ok := a.emails[model.NormalizeEmail(email)]
	return ok
}
