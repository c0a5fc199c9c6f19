package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"commitharvest/internal/model"
)

const dateLayout = "2006-01-02"

type Config struct {
	// MAINTAINER NOTE: fields that can be tuned from the environment or the
	// config file must also appear in the tunables table in load.go.
	Input   Input
	Window  Window
	Runtime Runtime
	Output  Output
	API     API
	HTTP    HTTP
}

type Input struct {
	// Mode selects the unit of work (see --mode).
	// Allowed values: spk (one unit per project key), commit (batches of commit ids).
	Mode string

	// ProjectsFile is the CSV of project keys read in spk mode (see --projects).
	ProjectsFile string

	// CommitsFile is the CSV of commit_id,project_key,repo_slug[,author_email]
	// rows read in commit mode (see --commits).
	CommitsFile string

	// AuthorsFile restricts rows to the listed author emails (see --authors).
	// Empty means every author.
	AuthorsFile string

	// BranchLimit is how many of the most recently modified branches are
	// scanned per repository (see --branches). Must be >= 1.
	BranchLimit int

	// ChunkSize is the number of commit ids per unit in commit mode (see --chunk-size).
	ChunkSize int

	// ExcludePaths are doublestar patterns of files to leave out (see --exclude-path).
	// Values may be repeated and/or comma-separated.
	ExcludePaths []string

	// Granularity is file (one row per changed file) or commit (one
	// aggregated row per commit) (see --granularity).
	Granularity string
}

// Window is the optional author-date range, both bounds inclusive.
type Window struct {
	// Start and End are YYYY-MM-DD dates in UTC (see --start, --end).
	Start string
	End   string

	bounds model.Window
}

// Bounds returns the parsed window. It is only populated by Validate.
func (w Window) Bounds() model.Window {
	return w.bounds
}

type Runtime struct {
	// Workers is the number of units processed in parallel (see --workers).
	Workers int

	// RepoConcurrency is the number of repositories of one project processed
	// in parallel (see --repo-concurrency).
	RepoConcurrency int

	// Timeout bounds the whole run (see --timeout). Zero means no limit.
	Timeout time.Duration

	// LogLevel is debug, info, warn or error (see --log-level).
	LogLevel string

	// Verbose logs every HTTP request and response (see --verbose).
	Verbose bool

	// NoProgress disables the progress bar (see --no-progress).
	NoProgress bool

	// MetricsAddr serves Prometheus metrics on this address when set (see --metrics-addr).
	MetricsAddr string
}

type Output struct {
	// Dir receives chunks, the failures file and checkpoints (see --out-dir).
	Dir string

	// Prefix starts every artifact name (see --prefix).
	Prefix string

	// Compress writes lz4-compressed chunks (see --compress).
	Compress bool

	// Emit streams lifecycle events to stdout (see --emit).
	// Allowed values: json, ndjson.
	Emit []string

	// NoSummary suppresses the end-of-run table (see --no-summary).
	NoSummary bool
}

type API struct {
	// Provider is bitbucket or github (see --provider).
	Provider string

	// DiffSource is api (diff endpoint) or local (numstat on a local clone)
	// (see --diff-source).
	DiffSource string

	// CloneDir holds local clones when DiffSource is local (see --clone-dir).
	// Defaults to <out-dir>/clones.
	CloneDir string

	// BaseURL, Username and Secret come from HARVEST_BASE_URL,
	// HARVEST_USERNAME and HARVEST_SECRET.
	BaseURL  string
	Username string
	Secret   string
}

type HTTP struct {
	// Capacity is the token bucket burst size (see --rate-capacity).
	Capacity int

	// TokensPerSecond is the steady request rate (see --rate).
	TokensPerSecond float64

	// MaxAttempts bounds attempts per request, rate-limit waits excluded
	// (see --max-attempts).
	MaxAttempts int

	// BaseDelay is the first retry delay; later retries double it (see --base-delay).
	BaseDelay time.Duration

	// RateLimitMultiplier scales BaseDelay for 429 waits (see --rate-limit-multiplier).
	RateLimitMultiplier int

	// RequestTimeout bounds a single HTTP request (see --request-timeout).
	RequestTimeout time.Duration

	// PageSize is the limit sent on paged endpoints (see --page-size).
	PageSize int
}

const (
	ModeSPK    = string(model.ModeSPK)
	ModeCommit = string(model.ModeCommit)

	ProviderBitbucket = "bitbucket"
	ProviderGitHub    = "github"

	DiffSourceAPI   = "api"
	DiffSourceLocal = "local"
)

func New() *Config {
	return &Config{
		Input: Input{
			Mode:        ModeSPK,
			BranchLimit: 5,
			ChunkSize:   500,
			Granularity: "file",
		},
		Runtime: Runtime{
			Workers:         5,
			RepoConcurrency: 2,
			LogLevel:        "info",
		},
		Output: Output{
			Dir:    "output",
			Prefix: "commits",
		},
		API: API{
			Provider:   ProviderBitbucket,
			DiffSource: DiffSourceAPI,
		},
		HTTP: HTTP{
			Capacity:            10,
			TokensPerSecond:     5,
			MaxAttempts:         5,
			BaseDelay:           time.Second,
			RateLimitMultiplier: 12,
			RequestTimeout:      60 * time.Second,
			PageSize:            100,
		},
	}
}

func (c *Config) Validate() error {
	c.Input.ExcludePaths = splitCommaList(c.Input.ExcludePaths)
	c.Output.Emit = splitCommaList(c.Output.Emit)

	// Input validation
	c.Input.Mode = normalizeEnumValue(c.Input.Mode)
	switch c.Input.Mode {
	case ModeSPK:
		if strings.TrimSpace(c.Input.ProjectsFile) == "" {
			return errors.New("--projects is required in spk mode")
		}
	case ModeCommit:
		if strings.TrimSpace(c.Input.CommitsFile) == "" {
			return errors.New("--commits is required in commit mode")
		}
	default:
		return fmt.Errorf("unsupported --mode: %s (must be one of: spk, commit)", c.Input.Mode)
	}
	if c.Input.BranchLimit <= 0 {
		return errors.New("--branches must be >= 1")
	}
	if c.Input.ChunkSize <= 0 {
		return errors.New("--chunk-size must be >= 1")
	}
	c.Input.Granularity = normalizeEnumValue(c.Input.Granularity)
	if c.Input.Granularity == "" {
		c.Input.Granularity = "file"
	}
	if c.Input.Granularity != "file" && c.Input.Granularity != "commit" {
		return fmt.Errorf("unsupported --granularity: %s (must be one of: file, commit)", c.Input.Granularity)
	}

	// Window validation
	bounds, err := parseWindow(c.Window.Start, c.Window.End)
	if err != nil {
		return err
	}
	c.Window.bounds = bounds

	// Runtime validation
	if c.Runtime.Workers <= 0 {
		return errors.New("--workers must be >= 1")
	}
	if c.Runtime.RepoConcurrency <= 0 {
		return errors.New("--repo-concurrency must be >= 1")
	}
	if c.Runtime.Timeout < 0 {
		return errors.New("--timeout must be >= 0")
	}
	if _, err := ParseLogLevel(c.Runtime.LogLevel); err != nil {
		return err
	}

	// Output validation
	if strings.TrimSpace(c.Output.Dir) == "" {
		return errors.New("--out-dir must not be empty")
	}
	if strings.TrimSpace(c.Output.Prefix) == "" {
		return errors.New("--prefix must not be empty")
	}
	for _, emit := range c.Output.Emit {
		v := normalizeEnumValue(emit)
		if v != "json" && v != "ndjson" {
			return fmt.Errorf("unsupported --emit value: %s (must be one of: json, ndjson)", v)
		}
	}

	// API validation
	c.API.Provider = normalizeEnumValue(c.API.Provider)
	if c.API.Provider != ProviderBitbucket && c.API.Provider != ProviderGitHub {
		return fmt.Errorf("unsupported --provider: %s (must be one of: bitbucket, github)", c.API.Provider)
	}
	c.API.DiffSource = normalizeEnumValue(c.API.DiffSource)
	if c.API.DiffSource != DiffSourceAPI && c.API.DiffSource != DiffSourceLocal {
		return fmt.Errorf("unsupported --diff-source: %s (must be one of: api, local)", c.API.DiffSource)
	}
	if c.API.DiffSource == DiffSourceLocal && strings.TrimSpace(c.API.CloneDir) == "" {
		c.API.CloneDir = filepath.Join(c.Output.Dir, "clones")
	}
	if err := c.validateCredentials(); err != nil {
		return err
	}

	// HTTP validation
	if c.HTTP.Capacity <= 0 {
		return errors.New("--rate-capacity must be >= 1")
	}
	if c.HTTP.TokensPerSecond <= 0 {
		return errors.New("--rate must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return errors.New("--max-attempts must be >= 1")
	}
	if c.HTTP.BaseDelay <= 0 {
		return errors.New("--base-delay must be > 0")
	}
	if c.HTTP.RateLimitMultiplier <= 0 {
		return errors.New("--rate-limit-multiplier must be >= 1")
	}
	if c.HTTP.RequestTimeout <= 0 {
		return errors.New("--request-timeout must be > 0")
	}
	if c.HTTP.PageSize <= 0 {
		return errors.New("--page-size must be >= 1")
	}
	return nil
}

// MissingEnvError reports required environment variables that are unset.
type MissingEnvError struct {
	Names []string
}

func (e *MissingEnvError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Names, ", ")
}

// validateCredentials requires the Bitbucket connection settings. GitHub
// falls back to the public API and to GITHUB_TOKEN or the gh CLI for auth.
func (c *Config) validateCredentials() error {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	if c.API.Provider == ProviderBitbucket {
		var missing []string
		if c.API.BaseURL == "" {
			missing = append(missing, EnvBaseURL)
		}
		if strings.TrimSpace(c.API.Username) == "" {
			missing = append(missing, EnvUsername)
		}
		if strings.TrimSpace(c.API.Secret) == "" {
			missing = append(missing, EnvSecret)
		}
		if len(missing) > 0 {
			return &MissingEnvError{Names: missing}
		}
	}
	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s: %q must be an absolute URL", EnvBaseURL, c.API.BaseURL)
		}
	}
	return nil
}

// CheckpointPath returns the checkpoint file of the configured mode.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.Output.Dir, c.Input.Mode+"_checkpoint.txt")
}

func parseWindow(start, end string) (model.Window, error) {
	var w model.Window
	var err error
	if s := strings.TrimSpace(start); s != "" {
		if w.Start, err = time.ParseInLocation(dateLayout, s, time.UTC); err != nil {
			return w, fmt.Errorf("invalid --start %q: expected YYYY-MM-DD", start)
		}
	}
	if e := strings.TrimSpace(end); e != "" {
		if w.End, err = time.ParseInLocation(dateLayout, e, time.UTC); err != nil {
			return w, fmt.Errorf("invalid --end %q: expected YYYY-MM-DD", end)
		}
	}
	if !w.Start.IsZero() && !w.End.IsZero() && w.End.Before(w.Start) {
		return w, fmt.Errorf("--end %s is before --start %s", end, start)
	}
	return w, nil
}

// ParseLogLevel maps a --log-level value to a slog level.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch normalizeEnumValue(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported --log-level: %s (must be one of: debug, info, warn, error)", raw)
	}
}

func normalizeEnumValue(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func splitCommaList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}
