package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"commitharvest/internal/flags"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

// configFile is the explicit --config path; empty searches ./commitharvest.yaml.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "commitharvest",
	Short: "Harvest commit history and per-file line counts from Bitbucket or GitHub",
	Long: `commitharvest walks the commit history of Bitbucket Server projects (or GitHub
organizations) and writes one CSV row per changed file, with added, deleted and
modified line counts reconciled from the commit diff.

Runs are resumable: finished units are recorded in a checkpoint file under the
output directory and skipped on the next run.

Examples:
	# Show available commands and global flags
	commitharvest --help

	# Harvest every repository of the projects listed in projects.csv
	commitharvest ingest --projects projects.csv --start 2024-01-01 --end 2024-03-31

	# Re-process an explicit list of commits
	commitharvest ingest --mode commit --commits commits.csv

	# Print build info
	commitharvest version

Output:
	Chunks are written to --out-dir as CSV files. Logs and the run summary go
	to stderr; --emit streams machine-readable lifecycle events to stdout.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&cfg.Runtime.Verbose, flags.FlagVerbose, false, "Enable verbose logging (prints every HTTP request and response status)")
	rootCmd.PersistentFlags().StringVar(&cfg.Runtime.LogLevel, flags.FlagLogLevel, cfg.Runtime.LogLevel, "Log level: debug|info|warn|error (default: info)")
	rootCmd.PersistentFlags().StringVar(&configFile, flags.FlagConfig, "", "Config file (default: ./commitharvest.yaml when present)")
}

func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", buildVersion, buildCommit, buildDate)
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func BuildInfo() (version, commit, date string) {
	return buildVersion, buildCommit, buildDate
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
