package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/govsync/internal/config"
	"github.com/agentworkforce/govsync/internal/source"
	"github.com/agentworkforce/govsync/internal/syncer"
	"github.com/agentworkforce/govsync/internal/webhook"
)

func memoryConfig(t *testing.T, root string) config.Config {
	t.Helper()
	defaults, err := config.ProfileDefaults("memory", "", "")
	require.NoError(t, err)
	return config.Config{
		Profile: "memory",
		Stores:  defaults,
		Source:  config.SourceConfig{Kind: "local", LocalRoot: root, Ref: "main"},
		Webhook: config.WebhookConfig{Secret: "s3cret", Branch: "main", ReplayWindow: 24 * time.Hour},
		Sync:    config.SyncConfig{Workers: 1, MaxAttempts: 2, RetryDelay: 10 * time.Millisecond},
		Refresh: config.RefreshConfig{GroupsTTL: time.Hour},
	}
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestBuildRunsPushEndToEnd(t *testing.T) {
	root := t.TempDir()
	write(t, root, "agreements/operating-agreement.md", "---\ntitle: Operating Agreement\ntype: agreement\nstatus: active\n---\nBody\n")
	rt, err := Build(context.Background(), memoryConfig(t, root), Options{})
	require.NoError(t, err)
	defer rt.Close()
	require.NotNil(t, rt.Intake)

	reports := make(chan syncer.Report, 1)
	rt.Dispatcher.Observe(func(r syncer.Report) { reports <- r })

	body, err := json.Marshal(webhook.PushEvent{
		Ref:     "refs/heads/main",
		After:   "c0ffee",
		Commits: []webhook.PushCommit{{Added: []string{"agreements/operating-agreement.md"}}},
	})
	require.NoError(t, err)
	res, err := rt.Intake.HandlePush(context.Background(), webhook.Delivery{
		Body:       body,
		Signature:  webhook.Sign([]byte("s3cret"), body),
		DeliveryID: "d-1",
		Event:      "push",
	})
	require.NoError(t, err)
	require.Equal(t, webhook.OutcomeAccepted, res.Outcome)

	select {
	case r := <-reports:
		require.Len(t, r.Synced, 1)
		assert.True(t, r.Synced[0].Graphed)
	case <-time.After(5 * time.Second):
		t.Fatal("sync job did not finish")
	}
	doc, err := rt.Graph.GetDocument(context.Background(), "operating-agreement")
	require.NoError(t, err)
	assert.Equal(t, "Operating Agreement", doc.Title)
	assert.Equal(t, "c0ffee", doc.CommitID)

	obj, err := rt.Mirror.Get(context.Background(), "content/agreements/operating-agreement.md")
	require.NoError(t, err)
	assert.Contains(t, string(obj.Content), "Operating Agreement")
}

func TestBuildWithoutSecretDisablesIntake(t *testing.T) {
	cfg := memoryConfig(t, t.TempDir())
	cfg.Webhook.Secret = ""
	rt, err := Build(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer rt.Close()
	assert.Nil(t, rt.Intake)
	assert.Equal(t, []string{"groups", "overview"}, rt.Cache.Keys())
}

func TestBuildInjectedSourceAndBadBackend(t *testing.T) {
	local, err := source.NewLocal(t.TempDir())
	require.NoError(t, err)
	cfg := memoryConfig(t, "")
	cfg.Source = config.SourceConfig{Kind: "github", Repository: "not-a-repo"}
	rt, err := Build(context.Background(), cfg, Options{Source: local, DisableWorkers: true})
	require.NoError(t, err)
	assert.Same(t, local, rt.Source)
	require.NoError(t, rt.Close())

	cfg.Stores.Queue = "kafka://broker/topic"
	_, err = Build(context.Background(), cfg, Options{Source: local})
	require.ErrorIs(t, err, syncer.ErrNotImplemented)
}

func TestBuildSource(t *testing.T) {
	_, err := BuildSource(config.SourceConfig{Kind: "github", Repository: "dao/governance"}, nil)
	require.NoError(t, err)
	_, err = BuildSource(config.SourceConfig{Kind: "github", Repository: "dao"}, nil)
	require.Error(t, err)
	_, err = BuildSource(config.SourceConfig{Kind: "svn"}, nil)
	require.Error(t, err)
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://gov:xxxxx@db:5432/gov", redactDSN("postgres://gov:hunter2@db:5432/gov"))
	assert.Equal(t, "relative/path", redactDSN("relative/path"))
}

func TestBackends(t *testing.T) {
	rt, err := Build(context.Background(), memoryConfig(t, t.TempDir()), Options{DisableWorkers: true})
	require.NoError(t, err)
	defer rt.Close()
	backends := rt.Backends()
	assert.Equal(t, "memory", backends["profile"])
	assert.Equal(t, "memory://", backends["queue"])
	assert.Contains(t, backends["graph"], "sqlite")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "v", line["k"])

	buf.Reset()
	NewLogger(config.LogConfig{Level: "bogus"}, &buf).Info("text")
	assert.Contains(t, buf.String(), "msg=text")
}
