// Package localgit computes commit diffs from a local clone instead of the
// remote diff endpoint.
package localgit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/sync/singleflight"

	"commitharvest/internal/model"
	"commitharvest/internal/reconcile"
)

// URLFunc returns the clone URL of a repository.
type URLFunc func(repo model.Repository) string

// RunFunc executes git with args in dir and returns its stdout.
type RunFunc func(ctx context.Context, dir string, args ...string) ([]byte, error)

// DiffSource clones each repository once (bare, under workdir/<key>/<slug>)
// and reads per-file counts with `git show --numstat`.
type DiffSource struct {
	workdir  string
	cloneURL URLFunc
	auth     *githttp.BasicAuth
	run      RunFunc
	logger   *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	ready map[string]string
}

type Option func(*DiffSource)

// WithBasicAuth authenticates clone and fetch.
func WithBasicAuth(username, secret string) Option {
	return func(d *DiffSource) {
		if username != "" || secret != "" {
			d.auth = &githttp.BasicAuth{Username: username, Password: secret}
		}
	}
}

// WithRunner replaces the git executor.
func WithRunner(run RunFunc) Option {
	return func(d *DiffSource) {
		if run != nil {
			d.run = run
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *DiffSource) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func NewDiffSource(workdir string, cloneURL URLFunc, opts ...Option) (*DiffSource, error) {
	if strings.TrimSpace(workdir) == "" {
		return nil, errors.New("localgit: workdir is required")
	}
	if cloneURL == nil {
		return nil, errors.New("localgit: clone url func is nil")
	}
	d := &DiffSource{
		workdir:  workdir,
		cloneURL: cloneURL,
		run:      runGit,
		logger:   slog.Default(),
		ready:    make(map[string]string),
	}
	for _, apply := range opts {
		if apply != nil {
			apply(d)
		}
	}
	return d, nil
}

// BitbucketCloneURL builds <base>/scm/<key>/<slug>.git.
func BitbucketCloneURL(baseURL string) URLFunc {
	base := strings.TrimRight(baseURL, "/")
	return func(repo model.Repository) string {
		return fmt.Sprintf("%s/scm/%s/%s.git", base, strings.ToLower(repo.ProjectKey), repo.Slug)
	}
}

// GitHubCloneURL builds https://<host>/<owner>/<name>.git.
func GitHubCloneURL(host string) URLFunc {
	host = strings.TrimRight(host, "/")
	if host == "" {
		host = "https://github.com"
	}
	return func(repo model.Repository) string {
		return fmt.Sprintf("%s/%s/%s.git", host, repo.ProjectKey, repo.Slug)
	}
}

// Dir returns the clone directory for repo.
func (d *DiffSource) Dir(repo model.Repository) string {
	return filepath.Join(d.workdir, safeComponent(repo.ProjectKey), safeComponent(repo.Slug))
}

// Ensure makes a clone of repo available and returns its directory. An
// existing clone is reused and refreshed; concurrent callers share one clone.
func (d *DiffSource) Ensure(ctx context.Context, repo model.Repository) (string, error) {
	key := repo.String()

	d.mu.Lock()
	dir, ok := d.ready[key]
	d.mu.Unlock()
	if ok {
		return dir, nil
	}

	v, err, _ := d.group.Do(key, func() (any, error) {
		dir := d.Dir(repo)
		if err := d.materialize(ctx, repo, dir); err != nil {
			return "", err
		}
		d.mu.Lock()
		d.ready[key] = dir
		d.mu.Unlock()
		return dir, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *DiffSource) materialize(ctx context.Context, repo model.Repository, dir string) error {
	log := d.logger.With("repo", repo.String(), "dir", dir)

	existing, err := git.PlainOpen(dir)
	if err == nil {
		err = existing.FetchContext(ctx, &git.FetchOptions{
			RemoteName: git.DefaultRemoteName,
			Auth:       d.authMethod(),
			RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/heads/*"},
			Force:      true,
		})
		switch {
		case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		default:
			// A stale clone still answers for commits it already has.
			log.Warn("refresh of existing clone failed", "error", err)
		}
		return nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return fmt.Errorf("open clone %s: %w", dir, err)
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("create clone parent: %w", err)
	}
	url := d.cloneURL(repo)
	log.Info("cloning repository", "url", url)
	_, err = git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{
		URL:  url,
		Auth: d.authMethod(),
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("clone %s: %w", repo, err)
	}
	return nil
}

// authMethod keeps a nil *BasicAuth from becoming a non-nil interface.
func (d *DiffSource) authMethod() transport.AuthMethod {
	if d.auth == nil {
		return nil
	}
	return d.auth
}

// Diff returns per-file counts of commit id from the local clone of repo.
func (d *DiffSource) Diff(ctx context.Context, repo model.Repository, id string) (reconcile.CommitDiff, error) {
	dir, err := d.Ensure(ctx, repo)
	if err != nil {
		return reconcile.CommitDiff{}, err
	}
	out, err := d.run(ctx, dir, "show", "--numstat", "--format=", "--no-renames", "--no-color", id)
	if err != nil {
		return reconcile.CommitDiff{}, fmt.Errorf("git show %s in %s: %w", id, repo, err)
	}
	stats, err := ParseNumstat(out)
	if err != nil {
		return reconcile.CommitDiff{}, err
	}
	return reconcile.CommitDiff{Stats: stats}, nil
}

func runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func safeComponent(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, string(filepath.Separator), "_")
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
