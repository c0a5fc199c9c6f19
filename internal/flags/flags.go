package flags

// Package flags defines canonical CLI flag names shared across the CLI and the
// config loader. Keeping these as constants avoids drift between Cobra flag
// wiring and the environment/config-file keys that mirror them.
// IMPORTANT: These are flag *names* without leading dashes.
// Example usage:
//
//	cmd.Flags().StringVar(&cfg.Input.Mode, flags.FlagMode, "spk", "...")
//	arg := "--" + flags.FlagMode
const (
	// Input
	FlagMode        = "mode"
	FlagProjects    = "projects"
	FlagCommits     = "commits"
	FlagAuthors     = "authors"
	FlagBranches    = "branches"
	FlagChunkSize   = "chunk-size"
	FlagExcludePath = "exclude-path"
	FlagGranularity = "granularity"

	// Window
	FlagStart = "start"
	FlagEnd   = "end"

	// Runtime
	FlagWorkers         = "workers"
	FlagRepoConcurrency = "repo-concurrency"
	FlagTimeout         = "timeout"
	FlagLogLevel        = "log-level"
	FlagVerbose         = "verbose"
	FlagNoProgress      = "no-progress"
	FlagMetricsAddr     = "metrics-addr"
	FlagConfig          = "config"

	// Output
	FlagOutDir    = "out-dir"
	FlagPrefix    = "prefix"
	FlagCompress  = "compress"
	FlagEmit      = "emit"
	FlagNoSummary = "no-summary"

	// API
	FlagProvider   = "provider"
	FlagDiffSource = "diff-source"
	FlagCloneDir   = "clone-dir"

	// HTTP
	FlagRateCapacity        = "rate-capacity"
	FlagRate                = "rate"
	FlagMaxAttempts         = "max-attempts"
	FlagBaseDelay           = "base-delay"
	FlagRateLimitMultiplier = "rate-limit-multiplier"
	FlagRequestTimeout      = "request-timeout"
	FlagPageSize            = "page-size"
)
