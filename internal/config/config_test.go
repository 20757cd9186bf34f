package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/govsync/internal/aggregates"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "durable-local", cfg.Profile)
	assert.Equal(t, "sqlite://"+filepath.Join(".govsync", "graph.db"), cfg.Stores.Graph)
	assert.Equal(t, "file://"+filepath.Join(".govsync", "sync-queue.json"), cfg.Stores.Queue)
	assert.Equal(t, "memory://", cfg.Stores.Replay)
	assert.Equal(t, 24*time.Hour, cfg.Webhook.ReplayWindow)
	assert.Equal(t, "main", cfg.Webhook.Branch)
	assert.Equal(t, 15*time.Minute, cfg.Refresh.Interval)
	assert.Equal(t, []string{"groups/**"}, cfg.Sync.GroupPatterns)
	assert.Equal(t, 1024, cfg.Stores.QueueCapacity)
}

func TestLoadFileEnvAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "govsync.yaml"), []byte(`
addr: ":9090"
profile: memory
source:
  kind: github
  repository: dao/governance
webhook:
  secret: from-file
aggregates:
  - key: members
    url: https://api.example.org/members
    ttl: 30m
  - key: proposals
    url: https://api.example.org/proposals
    ttl: 2m
    headers:
      Authorization: Bearer abc
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GOVSYNC_LOG_LEVEL=debug\n"), 0o644))
	t.Setenv("GOVSYNC_WEBHOOK_SECRET", "from-env")
	t.Setenv("GOVSYNC_STORES_CACHE", "redis://localhost:6379/2")
	// godotenv does not override variables that are already set; register
	// cleanup for the one it introduces.
	t.Cleanup(func() { os.Unsetenv("GOVSYNC_LOG_LEVEL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "from-env", cfg.Webhook.Secret)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory://", cfg.Stores.Graph)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Stores.Cache)
	assert.Equal(t, "dao/governance", cfg.Source.Repository)
	require.Len(t, cfg.Aggregates, 2)
	assert.Equal(t, "members", cfg.Aggregates[0].Key)
	assert.Equal(t, 30*time.Minute, cfg.Aggregates[0].TTL)
	assert.Equal(t, 2*time.Minute, cfg.Aggregates[1].TTL)
	assert.Equal(t, "Bearer abc", cfg.Aggregates[1].Headers["authorization"])
}

func TestLoadExplicitFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestProfileDefaults(t *testing.T) {
	prod, err := ProfileDefaults("production", "/var/lib/govsync", "postgres://db/govsync")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/govsync", prod.Graph)
	assert.Equal(t, "postgres://db/govsync", prod.Queue)
	assert.Equal(t, "file:///var/lib/govsync/mirror", prod.Mirror)

	_, err = ProfileDefaults("production", "", "")
	require.ErrorContains(t, err, "production_dsn")

	custom, err := ProfileDefaults("custom", "", "")
	require.NoError(t, err)
	assert.Equal(t, StoreConfig{}, custom)

	_, err = ProfileDefaults("cloud", "", "")
	require.Error(t, err)
}

func TestProfileDoesNotOverrideExplicitDSN(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GOVSYNC_PROFILE", "memory")
	t.Setenv("GOVSYNC_STORES_QUEUE", "nats://localhost:4222/GOVSYNC_JOBS")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222/GOVSYNC_JOBS", cfg.Stores.Queue)
	assert.Equal(t, "memory://", cfg.Stores.Mirror)
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"local without root": {func(c *Config) { c.Source.Kind = "local" }, "local_root"},
		"unknown source":     {func(c *Config) { c.Source.Kind = "svn" }, "source.kind"},
		"jitter":             {func(c *Config) { c.Refresh.Jitter = 2 }, "jitter"},
		"aggregate ttl": {func(c *Config) {
			c.Aggregates = append(c.Aggregates, aggregates.Endpoint{Key: "members", URL: "https://api.example.org/members"})
		}, "positive ttl"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Config{Source: SourceConfig{Kind: "github"}}
			tc.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
	require.NoError(t, (Config{Source: SourceConfig{Kind: "github"}}).Validate())
}
