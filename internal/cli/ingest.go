package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"commitharvest/internal/config"
	"commitharvest/internal/flags"
)

var cfg = config.New()

const ingestHelpTemplate = `{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}Usage:
  {{.UseLine}}

{{if .HasAvailableLocalFlags}}Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}{{if .HasAvailableInheritedFlags}}Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

{{end}}Environment:
  Connection settings are read from the environment (a .env file in the
  working directory is loaded first; existing variables win).

  HARVEST_BASE_URL   Bitbucket Server root, e.g. https://bitbucket.example.com
                     (GitHub: optional Enterprise API URL)
  HARVEST_USERNAME   Bitbucket user name (basic auth)
  HARVEST_SECRET     Bitbucket password or HTTP access token
                     (GitHub: token; falls back to GITHUB_TOKEN, then gh auth token)

  Every flag can also be set as HARVEST_<FLAG> (dashes become underscores) or
  as a key in commitharvest.yaml. Explicit flags win over both.

  Examples:
    # macOS/Linux
    export HARVEST_BASE_URL="https://bitbucket.example.com"
    export HARVEST_USERNAME="svc-harvest"
    export HARVEST_SECRET="<token>"
    commitharvest ingest --projects projects.csv

    # Windows PowerShell
    $env:HARVEST_SECRET = "<token>"
    commitharvest ingest --projects projects.csv

{{if .HasAvailableSubCommands}}Available Commands:
{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

{{end}}{{if .HasAvailableSubCommands}}Use "{{.CommandPath}} [command] --help" for more information about a command.
{{end}}`

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Harvest commits into CSV chunks",
	Long: `Harvest commit history into CSV chunks.

Modes:
	spk     one unit per project key from --projects. Every repository of the
	        project is walked over its --branches most recently modified
	        branches; commits are deduplicated across branches.
	commit  units of --chunk-size commit ids from --commits
	        (commit_id,project_key,repo_slug[,author_email]).

Each finished unit writes one chunk named <prefix>_<unit>.csv and is then
appended to <out-dir>/<mode>_checkpoint.txt. Re-running with the same
arguments skips checkpointed units. Per-commit failures never stop the run;
they are written to <prefix>_failures.csv at the end.

Output:
	Chunk columns: project_key, repo_slug, author_name, author_email,
	committer_name, committer_email, commit_id, commit_month, branch, is_merge,
	file_name, lines_added, lines_removed, lines_modified, diff_url, status.

	--emit ndjson streams one JSON object per line to stdout. Objects are
	lifecycle Events with a "type" field (run.started, unit.started,
	chunk.written, unit.finished, unit.failed, run.finished).

Exit codes:
	0 = run completed (per-commit failures are reported, not fatal)
	2 = a chunk, checkpoint or failures file could not be written
	3 = fatal error (run did not start)

Examples:
  # Bitbucket, one quarter, file granularity
  commitharvest ingest --projects projects.csv --start 2024-01-01 --end 2024-03-31

  # Only listed authors, one aggregated row per commit
  commitharvest ingest --projects projects.csv --authors authors.csv --granularity commit

  # GitHub organizations with diffs computed from local clones
  commitharvest ingest --provider github --projects orgs.csv --diff-source local

  # AI Agent: stream machine-readable events to stdout
  commitharvest ingest --projects projects.csv --no-progress --no-summary --emit ndjson
`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 && cmd.Flags().NFlag() == 0 {
			_ = cmd.Help()
			return
		}

		if err := loadConfig(cmd, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(3)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		code := runIngest(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		stop()
		os.Exit(code)
	},
}

// loadConfig layers .env, HARVEST_* variables and the config file under the
// explicit flags, then validates.
func loadConfig(cmd *cobra.Command, c *config.Config) error {
	err := c.Load(config.LoadOptions{
		DotEnv:     ".env",
		ConfigFile: configFile,
		Changed:    cmd.Flags().Changed,
	})
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		var missing *config.MissingEnvError
		if errors.As(err, &missing) {
			return fmt.Errorf("%w (export them or add them to .env)", err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.SetHelpTemplate(ingestHelpTemplate)

	// MAINTAINER NOTE: flags that can also come from the environment or the
	// config file must be listed in internal/config/load.go.

	// Input
	ingestCmd.Flags().StringVar(&cfg.Input.Mode, flags.FlagMode, cfg.Input.Mode, "Unit of work: spk|commit (default: spk)")
	ingestCmd.Flags().StringVar(&cfg.Input.ProjectsFile, flags.FlagProjects, "", "CSV of project keys (spk mode)")
	ingestCmd.Flags().StringVar(&cfg.Input.CommitsFile, flags.FlagCommits, "", "CSV of commit_id,project_key,repo_slug[,author_email] (commit mode)")
	ingestCmd.Flags().StringVar(&cfg.Input.AuthorsFile, flags.FlagAuthors, "", "File of author emails to keep (empty = all authors)")
	ingestCmd.Flags().IntVar(&cfg.Input.BranchLimit, flags.FlagBranches, cfg.Input.BranchLimit, "Most recently modified branches scanned per repository (default: 5)")
	ingestCmd.Flags().IntVar(&cfg.Input.ChunkSize, flags.FlagChunkSize, cfg.Input.ChunkSize, "Commit ids per unit in commit mode (default: 500)")
	ingestCmd.Flags().StringSliceVar(&cfg.Input.ExcludePaths, flags.FlagExcludePath, nil, "Exclude files matching doublestar pattern(s) (repeatable; comma-separated accepted)")
	ingestCmd.Flags().StringVar(&cfg.Input.Granularity, flags.FlagGranularity, cfg.Input.Granularity, "Row granularity: file|commit (default: file)")

	// Window
	ingestCmd.Flags().StringVar(&cfg.Window.Start, flags.FlagStart, "", "First author date to include, YYYY-MM-DD (UTC)")
	ingestCmd.Flags().StringVar(&cfg.Window.End, flags.FlagEnd, "", "Last author date to include, YYYY-MM-DD (UTC, inclusive)")

	// Output
	ingestCmd.Flags().StringVar(&cfg.Output.Dir, flags.FlagOutDir, cfg.Output.Dir, "Directory for chunks, failures and checkpoints (default: output)")
	ingestCmd.Flags().StringVar(&cfg.Output.Prefix, flags.FlagPrefix, cfg.Output.Prefix, "File name prefix for chunks (default: commits)")
	ingestCmd.Flags().BoolVar(&cfg.Output.Compress, flags.FlagCompress, false, "Write lz4-compressed chunks (.csv.lz4)")
	ingestCmd.Flags().StringSliceVar(&cfg.Output.Emit, flags.FlagEmit, nil, "Emit lifecycle events to stdout: json|ndjson (repeatable; comma-separated accepted)")
	ingestCmd.Flags().BoolVar(&cfg.Output.NoSummary, flags.FlagNoSummary, false, "Do not print the run summary table")

	// API
	ingestCmd.Flags().StringVar(&cfg.API.Provider, flags.FlagProvider, cfg.API.Provider, "Commit source: bitbucket|github (default: bitbucket)")
	ingestCmd.Flags().StringVar(&cfg.API.DiffSource, flags.FlagDiffSource, cfg.API.DiffSource, "Where line counts come from: api|local (default: api)")
	ingestCmd.Flags().StringVar(&cfg.API.CloneDir, flags.FlagCloneDir, "", "Clone cache for --diff-source local (default: <out-dir>/clones)")

	// HTTP
	ingestCmd.Flags().IntVar(&cfg.HTTP.Capacity, flags.FlagRateCapacity, cfg.HTTP.Capacity, "Rate limiter burst size (default: 10)")
	ingestCmd.Flags().Float64Var(&cfg.HTTP.TokensPerSecond, flags.FlagRate, cfg.HTTP.TokensPerSecond, "Sustained requests per second (default: 5)")
	ingestCmd.Flags().IntVar(&cfg.HTTP.MaxAttempts, flags.FlagMaxAttempts, cfg.HTTP.MaxAttempts, "Attempts per request, 429 waits excluded (default: 5)")
	ingestCmd.Flags().DurationVar(&cfg.HTTP.BaseDelay, flags.FlagBaseDelay, cfg.HTTP.BaseDelay, "First retry delay, doubled per retry (default: 1s)")
	ingestCmd.Flags().IntVar(&cfg.HTTP.RateLimitMultiplier, flags.FlagRateLimitMultiplier, cfg.HTTP.RateLimitMultiplier, "Base delay multiplier applied after HTTP 429 (default: 12)")
	ingestCmd.Flags().DurationVar(&cfg.HTTP.RequestTimeout, flags.FlagRequestTimeout, cfg.HTTP.RequestTimeout, "Timeout of a single HTTP request (default: 60s)")
	ingestCmd.Flags().IntVar(&cfg.HTTP.PageSize, flags.FlagPageSize, cfg.HTTP.PageSize, "Page size of paged API calls (default: 100)")

	// Runtime
	ingestCmd.Flags().IntVar(&cfg.Runtime.Workers, flags.FlagWorkers, cfg.Runtime.Workers, "Units processed in parallel (default: 5)")
	ingestCmd.Flags().IntVar(&cfg.Runtime.RepoConcurrency, flags.FlagRepoConcurrency, cfg.Runtime.RepoConcurrency, "Repositories of one project processed in parallel (default: 2)")
	ingestCmd.Flags().DurationVar(&cfg.Runtime.Timeout, flags.FlagTimeout, 0, "Global timeout (default: none)")
	ingestCmd.Flags().BoolVar(&cfg.Runtime.NoProgress, flags.FlagNoProgress, false, "Disable the progress bar")
	ingestCmd.Flags().StringVar(&cfg.Runtime.MetricsAddr, flags.FlagMetricsAddr, "", "Serve Prometheus metrics on this address, e.g. :9090")
}
