package syncer

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSJobQueueIntegration(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("GOVSYNC_TEST_NATS_URL"))
	if url == "" {
		t.Skip("set GOVSYNC_TEST_NATS_URL to run NATS integration tests")
	}
	stream := "GOVSYNC_IT_" + strings.ReplaceAll(time.Now().UTC().Format("150405.000000"), ".", "")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	q, err := BuildJobQueueFromDSN(ctx, strings.TrimRight(url, "/")+"/"+stream, 2)
	require.NoError(t, err)
	nq := q.(*NATSJobQueue)
	defer func() {
		_ = nq.conn.JS.DeleteStream(context.Background(), stream)
		_ = q.Close()
	}()

	require.True(t, q.TryEnqueue(Job{ID: "a", Changed: []string{"a.md"}}))
	require.True(t, q.TryEnqueue(Job{ID: "b", Changed: []string{"b.md"}}))
	assert.False(t, q.TryEnqueue(Job{ID: "c"}), "stream discards new messages past capacity")

	job, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", job.ID)
	require.NoError(t, q.Ack(job.ID))

	job, ok = q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "b", job.ID)
	require.NoError(t, q.Ack(job.ID))
}
