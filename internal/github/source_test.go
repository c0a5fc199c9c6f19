package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"commitharvest/internal/httpclient"
	"commitharvest/internal/model"
	"commitharvest/internal/ratelimit"
	"commitharvest/internal/reconcile"
)

func newTestSource(t *testing.T, mux *http.ServeMux, opts ...Option) *Source {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	c, err := NewClient(context.Background(), "test-token", opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	base, err := url.Parse(server.URL + "/")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	c.Client.BaseURL = base
	c.Client.UploadURL = base

	lim, err := ratelimit.New(1000, 1000)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	exec, err := httpclient.New(lim,
		httpclient.WithSleep(func(context.Context, time.Duration) error { return nil }),
		httpclient.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("httpclient.New: %v", err)
	}
	s, err := NewSource(c, exec)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	return s
}

func TestNewClient_VerboseLogsAndSendsToken(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("{}"))
	})

	var buf bytes.Buffer
	s := newTestSource(t, mux, WithVerbose(true, &buf))

	req, err := s.gh.Client.NewRequest("GET", "rate_limit", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if _, err := s.gh.Client.Do(context.Background(), req, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !strings.Contains(buf.String(), "[verbose] api: GET") {
		t.Fatalf("expected verbose log, got: %q", buf.String())
	}
	if !strings.Contains(gotAuth, "test-token") {
		t.Fatalf("expected Authorization header to carry token, got %q", gotAuth)
	}
}

func TestNewClient_NilContext(t *testing.T) {
	var nilCtx context.Context
	if _, err := NewClient(nilCtx, ""); err == nil || !strings.Contains(err.Error(), "ctx is nil") {
		t.Fatalf("expected ctx error, got %v", err)
	}
}

func TestNewClient_EnterpriseBaseURL(t *testing.T) {
	c, err := NewClient(context.Background(), "", WithBaseURL("https://ghe.example.com/api/v3/"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if got := c.Client.BaseURL.String(); got != "https://ghe.example.com/api/v3/" {
		t.Fatalf("base url: got %q", got)
	}
	ep, err := graphqlEndpoint(c.Client.BaseURL)
	if err != nil {
		t.Fatalf("graphqlEndpoint: %v", err)
	}
	if ep.String() != "https://ghe.example.com/api/graphql" {
		t.Fatalf("graphql endpoint: got %q", ep.String())
	}
}

func TestRepositories_FollowsLinkHeader(t *testing.T) {
	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"name":"lib"}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/orgs/acme/repos?page=2>; rel="next"`, serverURL))
		fmt.Fprint(w, `[{"name":"app"}]`)
	})
	s := newTestSource(t, mux)
	serverURL = strings.TrimSuffix(s.gh.Client.BaseURL.String(), "/")

	repos, err := s.Repositories(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Repositories: %v", err)
	}
	want := []model.Repository{{ProjectKey: "acme", Slug: "app"}, {ProjectKey: "acme", Slug: "lib"}}
	if len(repos) != 2 || repos[0] != want[0] || repos[1] != want[1] {
		t.Fatalf("unexpected repos %+v", repos)
	}
}

func TestRecentBranches_GraphQL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !strings.Contains(req.Query, "TAG_COMMIT_DATE") {
			t.Errorf("query must order by commit date: %s", req.Query)
		}
		if req.Variables["first"] != float64(2) {
			t.Errorf("first: got %v", req.Variables["first"])
		}
		fmt.Fprint(w, `{"data":{"repository":{"refs":{"nodes":[{"name":"main"},{"name":"release"}]}}}}`)
	})
	s := newTestSource(t, mux)

	got, err := s.RecentBranches(context.Background(), model.Repository{ProjectKey: "acme", Slug: "app"}, 2)
	if err != nil {
		t.Fatalf("RecentBranches: %v", err)
	}
	if len(got) != 2 || got[0] != "main" || got[1] != "release" {
		t.Fatalf("unexpected branches %v", got)
	}
}

func TestRecentBranches_GraphQLErrorIsTerminal(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"data":{"repository":null},"errors":[{"message":"Could not resolve to a Repository"}]}`)
	})
	s := newTestSource(t, mux)

	_, err := s.RecentBranches(context.Background(), model.Repository{ProjectKey: "acme", Slug: "gone"}, 5)
	if !httpclient.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retries, got %d calls", calls.Load())
	}
}

func TestCommits_WindowParams(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/commits", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("sha") != "main" {
			t.Errorf("sha: got %q", q.Get("sha"))
		}
		if q.Get("since") != "2024-03-01T00:00:00Z" || q.Get("until") != "2024-04-01T00:00:00Z" {
			t.Errorf("window: since=%q until=%q", q.Get("since"), q.Get("until"))
		}
		fmt.Fprint(w, `[
			{"sha":"c1","html_url":"https://github.com/acme/app/commit/c1","commit":{"author":{"name":"Ada","email":"ADA@example.com","date":"2024-03-05T10:00:00Z"}},"parents":[{"sha":"p"}]},
			{"sha":"m1","commit":{"author":{"name":"Bob","email":"bob@example.com","date":"2024-03-06T10:00:00Z"},"committer":{"name":"GitHub","email":"noreply@github.com"}},"parents":[{"sha":"a"},{"sha":"b"}]}]`)
	})
	s := newTestSource(t, mux)

	window := model.Window{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	commits, err := s.Commits(context.Background(), model.Repository{ProjectKey: "acme", Slug: "app"}, "main", window)
	if err != nil {
		t.Fatalf("Commits: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	if commits[0].Author.Email != "ADA@example.com" || commits[0].IsMerge() {
		t.Fatalf("unexpected first commit %+v", commits[0])
	}
	if !commits[1].IsMerge() || commits[1].Committer.Name != "GitHub" {
		t.Fatalf("unexpected merge commit %+v", commits[1])
	}
	if got := model.CommitMonth(commits[0].AuthorTime); got != "2024-03" {
		t.Fatalf("commit month: got %q", got)
	}
}

func TestDiff_ParsesPatches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/commits/c1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sha":"c1","html_url":"https://github.com/acme/app/commit/c1","files":[
			{"filename":"main.go","status":"modified","additions":3,"deletions":1,"patch":"@@ -1,1 +1,3 @@\n-old\n+new\n+a\n+b"},
			{"filename":"logo.png","status":"added","additions":0,"deletions":0},
			{"filename":"huge.sql","status":"modified","additions":9000,"deletions":10}]}`)
	})
	s := newTestSource(t, mux)

	d, err := s.Diff(context.Background(), model.Repository{ProjectKey: "acme", Slug: "app"}, "c1")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if d.URL != "https://github.com/acme/app/commit/c1" || len(d.Files) != 3 {
		t.Fatalf("unexpected diff %+v", d)
	}
	if got := reconcile.Reconcile(d.Files[0]); got != (reconcile.Counts{Added: 2, Modified: 1}) {
		t.Fatalf("main.go counts: %+v", got)
	}
	if !d.Files[1].Binary {
		t.Fatalf("expected logo.png to be binary")
	}
	if !d.Files[2].Truncated {
		t.Fatalf("expected huge.sql to be truncated")
	}
}

func TestCommit_NotFoundCarriesMessage(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/commits/nope", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"No commit found for SHA: nope"}`)
	})
	s := newTestSource(t, mux)

	_, err := s.Commit(context.Background(), model.Repository{ProjectKey: "acme", Slug: "app"}, "nope")
	var he *httpclient.Error
	if !errors.As(err, &he) || !he.Terminal || he.Message != "No commit found for SHA: nope" {
		t.Fatalf("unexpected error %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestCommit_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/app/commits/c1", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"sha":"c1","commit":{"author":{"name":"Ada","email":"ada@example.com","date":"2024-03-05T10:00:00Z"}}}`)
	})
	s := newTestSource(t, mux)

	cm, err := s.Commit(context.Background(), model.Repository{ProjectKey: "acme", Slug: "app"}, "c1")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if cm.ID != "c1" || calls.Load() != 2 {
		t.Fatalf("unexpected commit %+v after %d calls", cm, calls.Load())
	}
}
