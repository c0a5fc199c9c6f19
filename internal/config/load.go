package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"commitharvest/internal/flags"
)

// Environment variables holding the connection settings.
const (
	EnvBaseURL  = "HARVEST_BASE_URL"
	EnvUsername = "HARVEST_USERNAME"
	EnvSecret   = "HARVEST_SECRET"
)

const (
	envPrefix  = "HARVEST"
	configName = "commitharvest"
	configType = "yaml"
)

// LoadOptions controls where Load looks for settings.
type LoadOptions struct {
	// DotEnv is loaded into the process environment before anything else is
	// read. Existing variables win. A missing file is not an error.
	DotEnv string

	// ConfigFile is an explicit config path. When empty, commitharvest.yaml is
	// searched in the working directory; a missing file is not an error.
	ConfigFile string

	// Changed reports whether a flag was set on the command line. Explicit
	// flags take precedence over the environment and the config file.
	Changed func(flag string) bool
}

// tunable maps a flag to the Config field it fills from viper.
type tunable struct {
	flag  string
	apply func(c *Config, v *viper.Viper, key string)
}

func intField(get func(c *Config) *int) func(*Config, *viper.Viper, string) {
	return func(c *Config, v *viper.Viper, key string) { *get(c) = v.GetInt(key) }
}

func stringField(get func(c *Config) *string) func(*Config, *viper.Viper, string) {
	return func(c *Config, v *viper.Viper, key string) { *get(c) = v.GetString(key) }
}

func boolField(get func(c *Config) *bool) func(*Config, *viper.Viper, string) {
	return func(c *Config, v *viper.Viper, key string) { *get(c) = v.GetBool(key) }
}

var tunables = []tunable{
	{flags.FlagBranches, intField(func(c *Config) *int { return &c.Input.BranchLimit })},
	{flags.FlagChunkSize, intField(func(c *Config) *int { return &c.Input.ChunkSize })},
	{flags.FlagGranularity, stringField(func(c *Config) *string { return &c.Input.Granularity })},
	{flags.FlagExcludePath, func(c *Config, v *viper.Viper, key string) {
		c.Input.ExcludePaths = v.GetStringSlice(key)
	}},
	{flags.FlagWorkers, intField(func(c *Config) *int { return &c.Runtime.Workers })},
	{flags.FlagRepoConcurrency, intField(func(c *Config) *int { return &c.Runtime.RepoConcurrency })},
	{flags.FlagTimeout, func(c *Config, v *viper.Viper, key string) { c.Runtime.Timeout = v.GetDuration(key) }},
	{flags.FlagLogLevel, stringField(func(c *Config) *string { return &c.Runtime.LogLevel })},
	{flags.FlagMetricsAddr, stringField(func(c *Config) *string { return &c.Runtime.MetricsAddr })},
	{flags.FlagOutDir, stringField(func(c *Config) *string { return &c.Output.Dir })},
	{flags.FlagPrefix, stringField(func(c *Config) *string { return &c.Output.Prefix })},
	{flags.FlagCompress, boolField(func(c *Config) *bool { return &c.Output.Compress })},
	{flags.FlagProvider, stringField(func(c *Config) *string { return &c.API.Provider })},
	{flags.FlagDiffSource, stringField(func(c *Config) *string { return &c.API.DiffSource })},
	{flags.FlagCloneDir, stringField(func(c *Config) *string { return &c.API.CloneDir })},
	{flags.FlagRateCapacity, intField(func(c *Config) *int { return &c.HTTP.Capacity })},
	{flags.FlagRate, func(c *Config, v *viper.Viper, key string) { c.HTTP.TokensPerSecond = v.GetFloat64(key) }},
	{flags.FlagMaxAttempts, intField(func(c *Config) *int { return &c.HTTP.MaxAttempts })},
	{flags.FlagBaseDelay, func(c *Config, v *viper.Viper, key string) { c.HTTP.BaseDelay = v.GetDuration(key) }},
	{flags.FlagRateLimitMultiplier, intField(func(c *Config) *int { return &c.HTTP.RateLimitMultiplier })},
	{flags.FlagRequestTimeout, func(c *Config, v *viper.Viper, key string) { c.HTTP.RequestTimeout = v.GetDuration(key) }},
	{flags.FlagPageSize, intField(func(c *Config) *int { return &c.HTTP.PageSize })},
}

// Load fills c from a .env file, HARVEST_* environment variables and an
// optional YAML config file. Config file keys are the flag names, e.g.
// `workers: 8` or `rate-limit-multiplier: 6`; the matching environment
// variable is HARVEST_WORKERS or HARVEST_RATE_LIMIT_MULTIPLIER.
func (c *Config) Load(opts LoadOptions) error {
	if opts.DotEnv != "" {
		if err := godotenv.Load(opts.DotEnv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", opts.DotEnv, err)
		}
	}

	v := viper.New()
	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	changed := opts.Changed
	if changed == nil {
		changed = func(string) bool { return false }
	}
	for _, t := range tunables {
		if changed(t.flag) || !v.IsSet(t.flag) {
			continue
		}
		t.apply(c, v, t.flag)
	}

	// Connection settings only come from the environment or the config file.
	c.API.BaseURL = v.GetString("base-url")
	c.API.Username = v.GetString("username")
	c.API.Secret = v.GetString("secret")
	return nil
}
