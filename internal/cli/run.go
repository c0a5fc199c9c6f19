package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"commitharvest/internal/bitbucket"
	"commitharvest/internal/checkpoint"
	"commitharvest/internal/config"
	"commitharvest/internal/engine"
	gh "commitharvest/internal/github"
	"commitharvest/internal/httpclient"
	"commitharvest/internal/input"
	"commitharvest/internal/localgit"
	"commitharvest/internal/metrics"
	"commitharvest/internal/output"
	"commitharvest/internal/processor"
	"commitharvest/internal/ratelimit"
)

// runIngest executes one ingest run with a validated config and returns the
// process exit code. Setup failures print to stderr and return 3.
func runIngest(ctx context.Context, c *config.Config, stdout, stderr io.Writer) int {
	fatal := func(format string, args ...any) int {
		fmt.Fprintf(stderr, "Error: "+format+"\n", args...)
		return 3
	}

	runID := uuid.NewString()
	level, err := config.ParseLogLevel(c.Runtime.LogLevel)
	if err != nil {
		return fatal("%v", err)
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})).With("run_id", runID)

	if c.Runtime.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Runtime.Timeout)
		defer cancel()
	}

	var m *metrics.Metrics
	if c.Runtime.MetricsAddr != "" {
		m = metrics.New()
		go func() {
			if err := metrics.Serve(ctx, c.Runtime.MetricsAddr, m, logger); err != nil {
				logger.Warn("metrics server stopped", "addr", c.Runtime.MetricsAddr, "error", err)
			}
		}()
	}

	hc, err := newHTTPClient(c, m, logger, stderr)
	if err != nil {
		return fatal("%v", err)
	}
	src, diffs, err := newSources(ctx, c, hc, logger, stderr)
	if err != nil {
		return fatal("%v", err)
	}

	var authors *processor.AllowList
	if c.Input.AuthorsFile != "" {
		emails, err := input.ReadAllowListFile(c.Input.AuthorsFile)
		if err != nil {
			return fatal("%v", err)
		}
		authors = processor.NewAllowList(emails)
		logger.Info("author allow-list loaded", "authors", authors.Len())
	}

	granularity, err := processor.ParseGranularity(c.Input.Granularity)
	if err != nil {
		return fatal("%v", err)
	}
	proc, err := processor.New(src, diffs, processor.Config{
		Window:          c.Window.Bounds(),
		BranchLimit:     c.Input.BranchLimit,
		RepoConcurrency: c.Runtime.RepoConcurrency,
		Granularity:     granularity,
		Authors:         authors,
		ExcludePaths:    c.Input.ExcludePaths,
	}, processor.WithLogger(logger), processor.WithMetrics(m))
	if err != nil {
		return fatal("%v", err)
	}

	chunks, err := output.NewChunkWriter(c.Output.Dir, c.Output.Prefix, output.WithCompression(c.Output.Compress))
	if err != nil {
		return fatal("%v", err)
	}
	ckpt, err := checkpoint.Open(c.CheckpointPath())
	if err != nil {
		return fatal("%v", err)
	}
	defer func() {
		if err := ckpt.Close(); err != nil {
			logger.Warn("close checkpoint", "path", ckpt.Path(), "error", err)
		}
	}()

	plan, err := buildPlan(c, ckpt)
	if err != nil {
		return fatal("%v", err)
	}
	logger.Info("plan ready", "mode", plan.Mode, "units", plan.Total(), "skipped", plan.Skipped, "checkpoint", ckpt.Path())

	events := output.NewManager(runID)
	for _, format := range c.Output.Emit {
		sink, err := output.NewEmitSink(stdout, format)
		if err != nil {
			return fatal("%v", err)
		}
		if err := events.AddSink(sink); err != nil {
			return fatal("%v", err)
		}
	}
	defer func() {
		if err := events.Close(); err != nil {
			logger.Warn("close event sinks", "error", err)
		}
	}()

	bar := NewProgressBar(NewProgressConfig(stderr, c.Runtime.NoProgress), int64(plan.Total()), "harvesting")
	opts := []engine.Option{
		engine.WithRunID(runID),
		engine.WithOutput(events),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
	}
	if bar != nil {
		opts = append(opts, engine.WithProgress(func(done, _ int) {
			_ = bar.Set(done)
		}))
	}

	eng, err := engine.NewEngine(proc, ckpt, chunks, c.Runtime.Workers, opts...)
	if err != nil {
		return fatal("%v", err)
	}
	summary, err := eng.Run(ctx, plan)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return fatal("%v", err)
	}

	if !c.Output.NoSummary {
		useColor := isTerminal(stderr) && !color.NoColor
		if err := output.RenderSummary(stderr, summary, useColor); err != nil {
			logger.Warn("render summary", "error", err)
		}
	}
	return summary.ExitCode()
}

func newHTTPClient(c *config.Config, m *metrics.Metrics, logger *slog.Logger, stderr io.Writer) (*httpclient.Client, error) {
	limiter, err := ratelimit.New(c.HTTP.Capacity, c.HTTP.TokensPerSecond, ratelimit.WithWaitObserver(m.ObserveLimiterWait))
	if err != nil {
		return nil, err
	}

	var verbose io.Writer
	if c.Runtime.Verbose {
		verbose = stderr
	}
	username, secret := c.API.Username, c.API.Secret
	if c.API.Provider == config.ProviderGitHub {
		// GitHub requests authenticate through the go-github client.
		username, secret = "", ""
	}

	backoff := httpclient.DefaultBackoff()
	backoff.MaxAttempts = c.HTTP.MaxAttempts
	backoff.BaseDelay = c.HTTP.BaseDelay
	backoff.RateLimitMultiplier = c.HTTP.RateLimitMultiplier

	return httpclient.New(limiter,
		httpclient.WithHTTPClient(&http.Client{
			Transport: httpclient.NewTransport(nil, username, secret, verbose),
			Timeout:   c.HTTP.RequestTimeout,
		}),
		httpclient.WithBackoff(backoff),
		httpclient.WithLogger(logger),
		httpclient.WithMetrics(m),
	)
}

// newSources builds the commit source for the configured provider and the
// diff source that feeds line counts.
func newSources(ctx context.Context, c *config.Config, hc *httpclient.Client, logger *slog.Logger, stderr io.Writer) (processor.Source, processor.DiffSource, error) {
	var (
		src      processor.Source
		apiDiffs processor.DiffSource
		cloneURL localgit.URLFunc
		gitUser  = c.API.Username
		gitPass  = c.API.Secret
	)

	switch c.API.Provider {
	case config.ProviderGitHub:
		token, source, err := gh.ResolveAuthToken(ctx, c.API.Secret, c.API.BaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve GitHub auth token: %w", err)
		}
		if strings.TrimSpace(token) == "" {
			return nil, nil, fmt.Errorf("GitHub auth token is required (set HARVEST_SECRET, GITHUB_TOKEN or run 'gh auth login')")
		}
		logger.Debug("github token resolved", "source", source)

		client, err := gh.NewClient(ctx, token,
			gh.WithVerbose(c.Runtime.Verbose, stderr),
			gh.WithBaseURL(c.API.BaseURL),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create GitHub client: %w", err)
		}
		s, err := gh.NewSource(client, hc)
		if err != nil {
			return nil, nil, err
		}
		src, apiDiffs = s, s
		cloneURL = localgit.GitHubCloneURL(githubWebHost(c.API.BaseURL))
		gitUser, gitPass = "x-access-token", token
	default:
		client, err := bitbucket.NewClient(hc, c.API.BaseURL, bitbucket.WithPageSize(c.HTTP.PageSize))
		if err != nil {
			return nil, nil, err
		}
		src, apiDiffs = client, client
		cloneURL = localgit.BitbucketCloneURL(c.API.BaseURL)
	}

	if c.API.DiffSource != config.DiffSourceLocal {
		return src, apiDiffs, nil
	}
	diffs, err := localgit.NewDiffSource(c.API.CloneDir, cloneURL,
		localgit.WithBasicAuth(gitUser, gitPass),
		localgit.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	return src, diffs, nil
}

// githubWebHost maps an API base URL to the host clones are fetched from:
// https://ghe.example.com/api/v3 becomes https://ghe.example.com. The public
// API maps to the empty string (github.com).
func githubWebHost(apiURL string) string {
	s := strings.TrimRight(strings.TrimSpace(apiURL), "/")
	switch strings.ToLower(s) {
	case "", "https://api.github.com", "https://github.com":
		return ""
	}
	return strings.TrimSuffix(s, "/api/v3")
}

func buildPlan(c *config.Config, ckpt engine.Checkpoint) (*engine.Plan, error) {
	if c.Input.Mode == config.ModeCommit {
		refs, err := input.ReadCommitRefsFile(c.Input.CommitsFile)
		if err != nil {
			return nil, err
		}
		return engine.PlanCommits(refs, ckpt, c.Input.ChunkSize)
	}
	keys, err := input.ReadProjectKeysFile(c.Input.ProjectsFile)
	if err != nil {
		return nil, err
	}
	return engine.PlanProjects(keys, ckpt)
}
