// Package config loads psb configuration from a YAML file, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/psb/internal/bundle"
	"github.com/roach88/psb/internal/ir"
)

// EnvPrefix prefixes every environment override, e.g. PSB_SYNC_RATE.
const EnvPrefix = "PSB"

// Config is the resolved configuration of one invocation.
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Notion    NotionConfig    `mapstructure:"notion"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Log       LogConfig       `mapstructure:"log"`
	// Workers bounds parallel bundle parsing; 0 means GOMAXPROCS.
	Workers int `mapstructure:"workers"`
}

// WorkspaceConfig locates inputs and outputs. Relative paths resolve
// against Root.
type WorkspaceConfig struct {
	Root            string `mapstructure:"root"`
	Bundles         string `mapstructure:"bundles"`
	MethodsDir      string `mapstructure:"methods_dir"`
	ScoringDir      string `mapstructure:"scoring_dir"`
	CorporaRegistry string `mapstructure:"corpora_registry"`
	Ciphertexts     string `mapstructure:"ciphertexts"`
	OutDir          string `mapstructure:"out_dir"`
	StateDB         string `mapstructure:"state_db"`
}

// NotionConfig addresses the remote record store.
type NotionConfig struct {
	Token     string            `mapstructure:"token"`
	BaseURL   string            `mapstructure:"base_url"`
	Version   string            `mapstructure:"version"`
	Databases DatabaseIDsConfig `mapstructure:"databases"`
}

// DatabaseIDsConfig holds one remote database ID per table.
type DatabaseIDsConfig struct {
	Runs      string `mapstructure:"runs"`
	Results   string `mapstructure:"results"`
	Artifacts string `mapstructure:"artifacts"`
	Briefings string `mapstructure:"briefings"`
}

// SyncConfig tunes the executor.
type SyncConfig struct {
	DryRun      bool          `mapstructure:"dry_run"`
	Attempts    int           `mapstructure:"attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// Rate is the remote request rate per second; 0 disables pacing.
	Rate float64 `mapstructure:"rate"`
}

// LogConfig controls logging.
type LogConfig struct {
	Verbose bool   `mapstructure:"verbose"`
	Format  string `mapstructure:"format"`
	File    string `mapstructure:"file"`
}

// envAliases binds the environment names the sync scripts have always
// used, alongside the PSB_ forms.
var envAliases = map[string][]string{
	"notion.token":               {"NOTION_TOKEN"},
	"notion.databases.runs":      {"NOTION_DB_RUNS"},
	"notion.databases.results":   {"NOTION_DB_RESULTS"},
	"notion.databases.artifacts": {"NOTION_DB_ARTIFACTS"},
	"notion.databases.briefings": {"NOTION_DB_BRIEFINGS"},
	"sync.dry_run":               {"PSB_DRY_RUN"},
}

// flagKeys maps persistent flag names to config keys.
var flagKeys = map[string]string{
	"verbose":   "log.verbose",
	"format":    "log.format",
	"log-file":  "log.file",
	"workspace": "workspace.root",
	"dry-run":   "sync.dry_run",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace.root", ".")
	v.SetDefault("workspace.bundles", "bundles")
	v.SetDefault("workspace.methods_dir", "data/methods")
	v.SetDefault("workspace.scoring_dir", "data/scoring")
	v.SetDefault("workspace.corpora_registry", "data/corpora/registry.csv")
	v.SetDefault("workspace.ciphertexts", "data/ciphertexts.csv")
	v.SetDefault("workspace.out_dir", "out")
	v.SetDefault("workspace.state_db", "out/state.db")

	v.SetDefault("notion.base_url", "https://api.notion.com/v1")
	v.SetDefault("notion.version", "2022-06-28")

	v.SetDefault("sync.dry_run", false)
	v.SetDefault("sync.attempts", 5)
	v.SetDefault("sync.base_delay", 500*time.Millisecond)
	v.SetDefault("sync.max_delay", 30*time.Second)
	v.SetDefault("sync.call_timeout", 60*time.Second)
	v.SetDefault("sync.rate", 3.0)

	v.SetDefault("log.format", "text")
	v.SetDefault("workers", 0)
}

// Load reads configuration. path may be empty, in which case psb.yaml is
// looked up in the working directory and its absence is not an error.
// flags may be nil; flags that were set on the command line win.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("psb")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		args := append([]string{key, EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolvePaths()
	return &cfg, nil
}

func (c *Config) resolvePaths() {
	root := c.Workspace.Root
	for _, p := range []*string{
		&c.Workspace.Bundles,
		&c.Workspace.MethodsDir,
		&c.Workspace.ScoringDir,
		&c.Workspace.CorporaRegistry,
		&c.Workspace.Ciphertexts,
		&c.Workspace.OutDir,
		&c.Workspace.StateDB,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
}

// Layout returns the registry locations for the bundle parser.
func (c *Config) Layout() bundle.Layout {
	return bundle.Layout{
		MethodsDir:      c.Workspace.MethodsDir,
		ScoringDir:      c.Workspace.ScoringDir,
		CorporaRegistry: c.Workspace.CorporaRegistry,
		Ciphertexts:     c.Workspace.Ciphertexts,
	}
}

// DatabaseIDs maps each table to its configured remote database.
func (c *Config) DatabaseIDs() map[ir.TableName]string {
	d := c.Notion.Databases
	return map[ir.TableName]string{
		ir.TableRuns:      d.Runs,
		ir.TableResults:   d.Results,
		ir.TableArtifacts: d.Artifacts,
		ir.TableBriefings: d.Briefings,
	}
}

// Validate reports every problem with the local settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Sync.Attempts < 1 {
		errs = append(errs, fmt.Errorf("sync.attempts must be at least 1, got %d", c.Sync.Attempts))
	}
	if c.Sync.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("sync.base_delay must not be negative"))
	}
	if c.Sync.MaxDelay < c.Sync.BaseDelay {
		errs = append(errs, fmt.Errorf("sync.max_delay (%s) is below sync.base_delay (%s)", c.Sync.MaxDelay, c.Sync.BaseDelay))
	}
	if c.Sync.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.call_timeout must be positive"))
	}
	if c.Sync.Rate < 0 {
		errs = append(errs, fmt.Errorf("sync.rate must not be negative"))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ValidateRemote reports every missing remote setting. Dry runs without a
// token never reach the remote and skip this check.
func (c *Config) ValidateRemote() error {
	var errs []error
	if c.Notion.Token == "" {
		errs = append(errs, errors.New("notion token is not set (NOTION_TOKEN)"))
	}
	for _, t := range ir.TableOrder {
		if c.DatabaseIDs()[t] == "" {
			errs = append(errs, fmt.Errorf("database ID for %s is not set (%s)", t, envAliasFor(t)))
		}
	}
	return errors.Join(errs...)
}

func envAliasFor(t ir.TableName) string {
	switch t {
	case ir.TableRuns:
		return "NOTION_DB_RUNS"
	case ir.TableResults:
		return "NOTION_DB_RESULTS"
	case ir.TableArtifacts:
		return "NOTION_DB_ARTIFACTS"
	default:
		return "NOTION_DB_BRIEFINGS"
	}
}
