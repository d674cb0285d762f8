package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/psb/internal/ir"
)

// clearEnv unsets every variable Load reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, names := range envAliases {
		for _, n := range names {
			t.Setenv(n, "")
			os.Unsetenv(n)
		}
	}
	for _, n := range []string{"PSB_NOTION_TOKEN", "PSB_SYNC_RATE", "PSB_SYNC_DRY_RUN", "PSB_WORKSPACE_ROOT"} {
		t.Setenv(n, "")
		os.Unsetenv(n)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(".", "bundles"), cfg.Workspace.Bundles)
	assert.Equal(t, filepath.Join("data", "corpora", "registry.csv"), cfg.Workspace.CorporaRegistry)
	assert.Equal(t, filepath.Join("out", "state.db"), cfg.Workspace.StateDB)
	assert.Equal(t, 5, cfg.Sync.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Sync.MaxDelay)
	assert.Equal(t, 60*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, 3.0, cfg.Sync.Rate)
	assert.Equal(t, "2022-06-28", cfg.Notion.Version)
	assert.False(t, cfg.Sync.DryRun)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "psb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workspace:
  root: /srv/psb
  out_dir: /tmp/out
sync:
  attempts: 2
  base_delay: 250ms
  rate: 0
notion:
  databases:
    runs: db-runs
`), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/srv/psb/bundles", cfg.Workspace.Bundles)
	assert.Equal(t, "/tmp/out", cfg.Workspace.OutDir, "absolute paths are kept")
	assert.Equal(t, 2, cfg.Sync.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.BaseDelay)
	assert.Zero(t, cfg.Sync.Rate)
	assert.Equal(t, "db-runs", cfg.DatabaseIDs()[ir.TableRuns])
}

func TestLoad_DiscoversWorkingDirFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "psb.yaml"), []byte("workers: 4\n"), 0o644))
	t.Chdir(dir)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestLoad_EnvAliases(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("NOTION_TOKEN", "secret_abc")
	t.Setenv("NOTION_DB_RUNS", "db-1")
	t.Setenv("NOTION_DB_RESULTS", "db-2")
	t.Setenv("NOTION_DB_ARTIFACTS", "db-3")
	t.Setenv("NOTION_DB_BRIEFINGS", "db-4")
	t.Setenv("PSB_DRY_RUN", "1")
	t.Setenv("PSB_SYNC_RATE", "1.5")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "secret_abc", cfg.Notion.Token)
	assert.Equal(t, "db-4", cfg.Notion.Databases.Briefings)
	assert.True(t, cfg.Sync.DryRun)
	assert.Equal(t, 1.5, cfg.Sync.Rate)
	assert.NoError(t, cfg.ValidateRemote())
}

func TestLoad_FlagsWin(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	t.Setenv("PSB_DRY_RUN", "false")

	flags := pflag.NewFlagSet("psb", pflag.ContinueOnError)
	flags.Bool("dry-run", false, "")
	flags.String("format", "text", "")
	require.NoError(t, flags.Parse([]string{"--dry-run", "--format", "json"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.True(t, cfg.Sync.DryRun)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := &Config{
		Sync: SyncConfig{Attempts: 0, BaseDelay: time.Second, MaxDelay: time.Millisecond, CallTimeout: 0, Rate: -1},
		Log:  LogConfig{Format: "xml"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"sync.attempts", "sync.max_delay", "sync.call_timeout", "sync.rate", "log.format"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestValidateRemote_NamesEnvironment(t *testing.T) {
	cfg := &Config{}
	err := cfg.ValidateRemote()
	require.Error(t, err)
	assert.ErrorContains(t, err, "NOTION_TOKEN")
	assert.ErrorContains(t, err, "NOTION_DB_ARTIFACTS")
}
