package bitbucket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"commitharvest/internal/model"
	"commitharvest/internal/reconcile"
)

type repoJSON struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Project struct {
		Key string `json:"key"`
	} `json:"project"`
}

type branchJSON struct {
	ID           string `json:"id"`
	DisplayID    string `json:"displayId"`
	LatestCommit string `json:"latestCommit"`
}

type personJSON struct {
	Name         string `json:"name"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
}

type commitJSON struct {
	ID                 string     `json:"id"`
	DisplayID          string     `json:"displayId"`
	Author             personJSON `json:"author"`
	AuthorTimestamp    int64      `json:"authorTimestamp"`
	Committer          personJSON `json:"committer"`
	CommitterTimestamp int64      `json:"committerTimestamp"`
	Parents            []struct {
		ID string `json:"id"`
	} `json:"parents"`
}

func (c commitJSON) toModel() model.Commit {
	out := model.Commit{
		ID:        c.ID,
		Author:    identity(c.Author),
		Committer: identity(c.Committer),
	}
	if c.AuthorTimestamp > 0 {
		out.AuthorTime = time.UnixMilli(c.AuthorTimestamp).UTC()
	}
	for _, p := range c.Parents {
		out.ParentIDs = append(out.ParentIDs, p.ID)
	}
	return out
}

func identity(p personJSON) model.Identity {
	name := p.Name
	if p.DisplayName != "" {
		name = p.DisplayName
	}
	return model.Identity{Name: name, Email: p.EmailAddress}
}

type pathJSON struct {
	ToString string `json:"toString"`
}

type diffJSON struct {
	Diffs []struct {
		Source      *pathJSON `json:"source"`
		Destination *pathJSON `json:"destination"`
		Binary      bool      `json:"binary"`
		Truncated   bool      `json:"truncated"`
		Hunks       []struct {
			SourceLine      int  `json:"sourceLine"`
			SourceSpan      int  `json:"sourceSpan"`
			DestinationLine int  `json:"destinationLine"`
			DestinationSpan int  `json:"destinationSpan"`
			Truncated       bool `json:"truncated"`
			Segments        []struct {
				Type      string `json:"type"`
				Truncated bool   `json:"truncated"`
				Lines     []struct {
					Source      int    `json:"source"`
					Destination int    `json:"destination"`
					Line        string `json:"line"`
					Truncated   bool   `json:"truncated"`
				} `json:"lines"`
			} `json:"segments"`
		} `json:"hunks"`
	} `json:"diffs"`
	Truncated bool `json:"truncated"`
}

func (d diffJSON) toModel() []reconcile.FileDiff {
	files := make([]reconcile.FileDiff, 0, len(d.Diffs))
	for _, f := range d.Diffs {
		fd := reconcile.FileDiff{
			Binary: f.Binary,
			// A truncated response cuts off at an unknown point in some file.
			Truncated: f.Truncated || d.Truncated,
		}
		if f.Source != nil {
			fd.Source = f.Source.ToString
		}
		if f.Destination != nil {
			fd.Destination = f.Destination.ToString
		}
		for _, h := range f.Hunks {
			hunk := reconcile.Hunk{
				SourceLine:      h.SourceLine,
				SourceSpan:      h.SourceSpan,
				DestinationLine: h.DestinationLine,
				DestinationSpan: h.DestinationSpan,
				Truncated:       h.Truncated,
			}
			for _, s := range h.Segments {
				seg := reconcile.Segment{Type: reconcile.SegmentType(strings.ToUpper(s.Type)), Truncated: s.Truncated}
				for _, l := range s.Lines {
					seg.Lines = append(seg.Lines, reconcile.Line{
						Source:      l.Source,
						Destination: l.Destination,
						Text:        l.Line,
						Truncated:   l.Truncated,
					})
				}
				hunk.Segments = append(hunk.Segments, seg)
			}
			fd.Hunks = append(fd.Hunks, hunk)
		}
		files = append(files, fd)
	}
	return files
}

// Repositories lists every repository of a project.
func (c *Client) Repositories(ctx context.Context, projectKey string) ([]model.Repository, error) {
	var repos []model.Repository
	err := paginate(ctx, c, nil, func(values []repoJSON) bool {
		for _, r := range values {
			key := r.Project.Key
			if key == "" {
				key = projectKey
			}
			repos = append(repos, model.Repository{ProjectKey: key, Slug: r.Slug})
		}
		return true
	}, "projects", projectKey, "repos")
	if err != nil {
		return nil, fmt.Errorf("list repositories of %s: %w", projectKey, err)
	}
	return repos, nil
}

// RecentBranches returns up to limit branch names, most recently modified
// first.
func (c *Client) RecentBranches(ctx context.Context, repo model.Repository, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("orderBy", "MODIFICATION")
	q.Set("limit", strconv.Itoa(limit))

	var names []string
	err := paginate(ctx, c, q, func(values []branchJSON) bool {
		for _, b := range values {
			name := b.DisplayID
			if name == "" {
				name = strings.TrimPrefix(b.ID, "refs/heads/")
			}
			names = append(names, name)
			if len(names) == limit {
				return false
			}
		}
		return true
	}, "projects", repo.ProjectKey, "repos", repo.Slug, "branches")
	if err != nil {
		return nil, fmt.Errorf("list branches of %s: %w", repo, err)
	}
	return names, nil
}

// Commits lists the history reachable from branch, newest first. Commits
// authored before the window start are dropped. Listing stops after the first
// page holding a commit whose committer time is before the window start; author
// times are not ordered along history and never end the listing.
func (c *Client) Commits(ctx context.Context, repo model.Repository, branch string, window model.Window) ([]model.Commit, error) {
	q := url.Values{}
	q.Set("until", branchRef(branch))

	var commits []model.Commit
	err := paginate(ctx, c, q, func(values []commitJSON) bool {
		more := true
		for _, v := range values {
			if v.CommitterTimestamp > 0 && window.Before(time.UnixMilli(v.CommitterTimestamp)) {
				more = false
			}
			cm := v.toModel()
			if !cm.AuthorTime.IsZero() && window.Before(cm.AuthorTime) {
				continue
			}
			cm.URL = c.DiffURL(repo, cm.ID)
			commits = append(commits, cm)
		}
		return more
	}, "projects", repo.ProjectKey, "repos", repo.Slug, "commits")
	if err != nil {
		return nil, fmt.Errorf("list commits of %s@%s: %w", repo, branch, err)
	}
	return commits, nil
}

// Commit fetches a single commit.
func (c *Client) Commit(ctx context.Context, repo model.Repository, id string) (model.Commit, error) {
	body, err := c.get.Get(ctx, c.endpoint(nil, "projects", repo.ProjectKey, "repos", repo.Slug, "commits", id))
	if err != nil {
		return model.Commit{}, err
	}
	var v commitJSON
	if err := json.Unmarshal(body, &v); err != nil {
		return model.Commit{}, fmt.Errorf("decode commit %s: %w", id, err)
	}
	cm := v.toModel()
	cm.URL = c.DiffURL(repo, cm.ID)
	return cm, nil
}

// Diff fetches the whitespace-insensitive diff of a commit against its first
// parent.
func (c *Client) Diff(ctx context.Context, repo model.Repository, id string) (reconcile.CommitDiff, error) {
	q := url.Values{}
	q.Set("ignore_whitespace", "true")
	target := c.endpoint(q, "projects", repo.ProjectKey, "repos", repo.Slug, "commits", id, "diff")

	body, err := c.get.Get(ctx, target)
	if err != nil {
		return reconcile.CommitDiff{}, err
	}
	var d diffJSON
	if err := json.Unmarshal(body, &d); err != nil {
		return reconcile.CommitDiff{URL: c.DiffURL(repo, id)}, fmt.Errorf("%w: decode diff %s: %v", reconcile.ErrMalformed, id, err)
	}
	return reconcile.CommitDiff{URL: c.DiffURL(repo, id), Files: d.toModel()}, nil
}

// DiffURL is the REST address of a commit's diff as recorded in output rows.
func (c *Client) DiffURL(repo model.Repository, id string) string {
	return c.endpoint(nil, "projects", repo.ProjectKey, "repos", repo.Slug, "commits", id, "diff")
}

func branchRef(branch string) string {
	if strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return "refs/heads/" + branch
}
