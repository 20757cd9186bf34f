package webhook

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/govsync/internal/clock"
)

func exerciseReplayGuard(t *testing.T, guard ReplayGuard, id string) {
	t.Helper()
	ctx := context.Background()
	dup, err := guard.Claim(ctx, id)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = guard.Claim(ctx, id)
	require.NoError(t, err)
	assert.True(t, dup)

	require.NoError(t, guard.Release(ctx, id))
	dup, err = guard.Claim(ctx, id)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestMemoryReplayGuard(t *testing.T) {
	exerciseReplayGuard(t, NewMemoryReplayGuard(time.Hour, nil), "delivery-1")
}

func TestMemoryReplayGuardPrunesExpired(t *testing.T) {
	fake := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	guard := NewMemoryReplayGuard(time.Minute, fake).(*memoryReplayGuard)
	for i := 0; i < 5; i++ {
		_, err := guard.Claim(context.Background(), fmt.Sprintf("id-%d", i))
		require.NoError(t, err)
	}
	fake.Advance(time.Minute)
	dup, err := guard.Claim(context.Background(), "id-0")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Len(t, guard.seen, 1)
}

func TestOpenReplayGuard(t *testing.T) {
	guard, err := OpenReplayGuard(context.Background(), "", 0, nil)
	require.NoError(t, err)
	_, ok := guard.(*memoryReplayGuard)
	assert.True(t, ok)

	guard, err = OpenReplayGuard(context.Background(), "memory://", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultReplayWindow, guard.(*memoryReplayGuard).window)

	_, err = OpenReplayGuard(context.Background(), "kafka://broker", 0, nil)
	require.Error(t, err)
}

func TestRedisReplayGuardIntegration(t *testing.T) {
	dsn := os.Getenv("GOVSYNC_TEST_REDIS_URL")
	if dsn == "" {
		t.Skip("GOVSYNC_TEST_REDIS_URL not set")
	}
	guard, err := OpenReplayGuard(context.Background(), dsn, time.Minute, nil)
	require.NoError(t, err)
	defer guard.Close()
	exerciseReplayGuard(t, guard, fmt.Sprintf("it-%d", time.Now().UnixNano()))
}

func TestNATSReplayGuardIntegration(t *testing.T) {
	natsURL := os.Getenv("GOVSYNC_TEST_NATS_URL")
	if natsURL == "" {
		t.Skip("GOVSYNC_TEST_NATS_URL not set")
	}
	guard, err := OpenReplayGuard(context.Background(), natsURL+"/govsync-it-deliveries", time.Minute, nil)
	require.NoError(t, err)
	defer guard.Close()
	exerciseReplayGuard(t, guard, fmt.Sprintf("it/%d", time.Now().UnixNano()))
}

func TestProviderAdapters(t *testing.T) {
	body := []byte(`{}`)
	gh, ok := LookupProvider("GitHub")
	require.True(t, ok)
	h := http.Header{}
	h.Set("X-Hub-Signature-256", "sha256=abc")
	h.Set("X-GitHub-Delivery", "gh-1")
	h.Set("X-GitHub-Event", "push")
	assert.Equal(t, Delivery{Body: body, Signature: "sha256=abc", DeliveryID: "gh-1", Event: "push"}, gh.Delivery(h, body))

	gitea, ok := LookupProvider("gitea")
	require.True(t, ok)
	h = http.Header{}
	h.Set("X-Gitea-Signature", "abc")
	h.Set("X-Gitea-Delivery", "gt-1")
	h.Set("X-Gitea-Event", "push")
	assert.Equal(t, Delivery{Body: body, Signature: "abc", DeliveryID: "gt-1", Event: "push"}, gitea.Delivery(h, body))

	d := Delivery{Body: body, Signature: Sign([]byte("k"), body), DeliveryID: "rt-1", Event: "push"}
	assert.Equal(t, d, gh.Delivery(gh.Header(d), body))
	roundTrip := gitea.Delivery(gitea.Header(d), body)
	assert.NoError(t, VerifySignature([]byte("k"), body, roundTrip.Signature))
	assert.False(t, strings.HasPrefix(roundTrip.Signature, "sha256="))

	_, ok = LookupProvider("bitbucket")
	assert.False(t, ok)
	assert.Equal(t, []string{"gitea", "github"}, Providers())
}
