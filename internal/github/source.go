package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v81/github"

	"commitharvest/internal/httpclient"
	"commitharvest/internal/model"
	"commitharvest/internal/reconcile"
)

// Executor runs a call under the shared rate limit and retry policy.
type Executor interface {
	Do(ctx context.Context, target string, call httpclient.Call) ([]byte, error)
}

// Source maps the commit-history operations onto GitHub: a project key is an
// organization (or user) login and a repository slug is a repository name.
type Source struct {
	gh       *Client
	exec     Executor
	pageSize int
}

func NewSource(gh *Client, exec Executor) (*Source, error) {
	if gh == nil || gh.Client == nil {
		return nil, fmt.Errorf("github source: client is nil")
	}
	if exec == nil {
		return nil, fmt.Errorf("github source: executor is nil")
	}
	return &Source{gh: gh, exec: exec, pageSize: 100}, nil
}

// attemptFrom converts a go-github result into an Attempt, lifting the
// structured error message and rate-limit signals.
func attemptFrom(resp *github.Response, err error) httpclient.Attempt {
	a := httpclient.Attempt{Err: err}
	if resp != nil && resp.Response != nil {
		a.StatusCode = resp.StatusCode
		a.Header = resp.Header
	} else if err == nil {
		a.StatusCode = http.StatusOK
	}
	if err == nil {
		return a
	}

	var er *github.ErrorResponse
	if errors.As(err, &er) {
		a.Message = strings.TrimSpace(er.Message)
		if a.StatusCode == 0 && er.Response != nil {
			a.StatusCode = er.Response.StatusCode
			a.Header = er.Response.Header
		}
	}

	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		a.StatusCode = http.StatusForbidden
		a.Header = cloneHeader(a.Header)
		a.Header.Set("X-RateLimit-Remaining", "0")
		a.Message = strings.TrimSpace(rl.Message)
	}

	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		a.StatusCode = http.StatusForbidden
		a.Header = cloneHeader(a.Header)
		wait := time.Minute
		if abuse.RetryAfter != nil {
			wait = *abuse.RetryAfter
		}
		a.Header.Set("Retry-After", strconv.Itoa(int(wait.Seconds())))
		a.Message = strings.TrimSpace(abuse.Message)
	}
	return a
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}

func (s *Source) call(ctx context.Context, target string, fn func(ctx context.Context) (*github.Response, error)) (*github.Response, error) {
	var last *github.Response
	_, err := s.exec.Do(ctx, target, func(ctx context.Context) httpclient.Attempt {
		resp, err := fn(ctx)
		last = resp
		return attemptFrom(resp, err)
	})
	return last, err
}

// Repositories lists every repository owned by the organization projectKey.
func (s *Source) Repositories(ctx context.Context, projectKey string) ([]model.Repository, error) {
	opts := &github.RepositoryListByOrgOptions{
		ListOptions: github.ListOptions{PerPage: s.pageSize},
	}
	var out []model.Repository
	for {
		var repos []*github.Repository
		resp, err := s.call(ctx, "github:orgs/"+projectKey+"/repos", func(ctx context.Context) (*github.Response, error) {
			var (
				resp *github.Response
				err  error
			)
			repos, resp, err = s.gh.Client.Repositories.ListByOrg(ctx, projectKey, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("list repositories of %s: %w", projectKey, err)
		}
		for _, r := range repos {
			out = append(out, model.Repository{ProjectKey: projectKey, Slug: r.GetName()})
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

type refsData struct {
	Repository *struct {
		Refs struct {
			Nodes []struct {
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"refs"`
	} `json:"repository"`
}

const recentBranchesQuery = `query($owner: String!, $name: String!, $first: Int!) {
  repository(owner: $owner, name: $name) {
    refs(refPrefix: "refs/heads/", first: $first, orderBy: {field: TAG_COMMIT_DATE, direction: DESC}) {
      nodes { name }
    }
  }
}`

// RecentBranches returns up to limit branches ordered by their head commit
// date, newest first.
func (s *Source) RecentBranches(ctx context.Context, repo model.Repository, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var data refsData
	target, call, err := graphQLCall(s.gh, graphQLRequest{
		Query: recentBranchesQuery,
		Variables: map[string]any{
			"owner": repo.ProjectKey,
			"name":  repo.Slug,
			"first": min(limit, 100),
		},
	}, &data)
	if err != nil {
		return nil, err
	}
	if _, err := s.exec.Do(ctx, target, call); err != nil {
		return nil, fmt.Errorf("list branches of %s: %w", repo, err)
	}
	if data.Repository == nil {
		return nil, fmt.Errorf("list branches of %s: repository not found", repo)
	}

	names := make([]string, 0, len(data.Repository.Refs.Nodes))
	for _, n := range data.Repository.Refs.Nodes {
		names = append(names, n.Name)
	}
	return names, nil
}

// Commits lists commits reachable from branch inside window.
func (s *Source) Commits(ctx context.Context, repo model.Repository, branch string, window model.Window) ([]model.Commit, error) {
	opts := &github.CommitsListOptions{
		SHA:         branch,
		ListOptions: github.ListOptions{PerPage: s.pageSize},
	}
	if !window.Start.IsZero() {
		opts.Since = window.Start
	}
	if !window.End.IsZero() {
		opts.Until = window.End.AddDate(0, 0, 1)
	}

	var out []model.Commit
	for {
		var commits []*github.RepositoryCommit
		resp, err := s.call(ctx, "github:repos/"+repo.String()+"/commits", func(ctx context.Context) (*github.Response, error) {
			var (
				resp *github.Response
				err  error
			)
			commits, resp, err = s.gh.Client.Repositories.ListCommits(ctx, repo.ProjectKey, repo.Slug, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("list commits of %s@%s: %w", repo, branch, err)
		}
		for _, c := range commits {
			out = append(out, toModel(c))
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func (s *Source) getCommit(ctx context.Context, repo model.Repository, id string) (*github.RepositoryCommit, error) {
	var rc *github.RepositoryCommit
	_, err := s.call(ctx, "github:repos/"+repo.String()+"/commits/"+id, func(ctx context.Context) (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		rc, resp, err = s.gh.Client.Repositories.GetCommit(ctx, repo.ProjectKey, repo.Slug, id, nil)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (s *Source) Commit(ctx context.Context, repo model.Repository, id string) (model.Commit, error) {
	rc, err := s.getCommit(ctx, repo, id)
	if err != nil {
		return model.Commit{}, err
	}
	return toModel(rc), nil
}

// Diff fetches the commit with its per-file patches. Files GitHub sends
// without a patch are binary when they have no line changes and truncated
// otherwise.
func (s *Source) Diff(ctx context.Context, repo model.Repository, id string) (reconcile.CommitDiff, error) {
	rc, err := s.getCommit(ctx, repo, id)
	if err != nil {
		return reconcile.CommitDiff{}, err
	}

	out := reconcile.CommitDiff{URL: rc.GetHTMLURL()}
	for _, f := range rc.Files {
		name := f.GetFilename()
		if f.GetPatch() == "" {
			fd := reconcile.FileDiff{Source: f.GetPreviousFilename(), Destination: name}
			if f.GetAdditions()+f.GetDeletions() == 0 {
				fd.Binary = true
			} else {
				fd.Truncated = true
			}
			out.Files = append(out.Files, fd)
			continue
		}
		fd, err := reconcile.ParseUnified(name, f.GetPatch())
		if err != nil {
			return out, fmt.Errorf("parse patch of %s in %s: %w", name, id, err)
		}
		if prev := f.GetPreviousFilename(); prev != "" {
			fd.Source = prev
		}
		if f.GetStatus() == "removed" {
			fd.Destination = ""
		}
		out.Files = append(out.Files, fd)
	}
	return out, nil
}

func toModel(c *github.RepositoryCommit) model.Commit {
	out := model.Commit{
		ID:  c.GetSHA(),
		URL: c.GetHTMLURL(),
		Author: model.Identity{
			Name:  c.GetCommit().GetAuthor().GetName(),
			Email: c.GetCommit().GetAuthor().GetEmail(),
		},
		Committer: model.Identity{
			Name:  c.GetCommit().GetCommitter().GetName(),
			Email: c.GetCommit().GetCommitter().GetEmail(),
		},
		AuthorTime: c.GetCommit().GetAuthor().GetDate().Time.UTC(),
	}
	for _, p := range c.Parents {
		out.ParentIDs = append(out.ParentIDs, p.GetSHA())
	}
	return out
}
