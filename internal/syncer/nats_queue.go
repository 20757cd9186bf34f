package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/agentworkforce/govsync/internal/natsdsn"
)

const (
	defaultJobStream     = "GOVSYNC_JOBS"
	natsJobConsumer      = "govsync-sync-workers"
	natsFetchWait        = time.Second
	natsDefaultAckWait   = 10 * time.Minute
	natsOperationTimeout = 5 * time.Second
	natsPublishRetry     = 50 * time.Millisecond
)

// NATSJobQueue is a JetStream work-queue stream with one durable consumer.
// Unacknowledged messages are redelivered after the ack wait.
type NATSJobQueue struct {
	conn     *natsdsn.Conn
	stream   jetstream.Stream
	consumer jetstream.Consumer
	subject  string
	capacity int
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]jetstream.Msg
}

func NewNATSJobQueue(ctx context.Context, dsn string, capacity int) (JobQueue, error) {
	target, err := natsdsn.Parse(dsn, defaultJobStream)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	conn, err := natsdsn.Dial(target, "govsync-sync-queue")
	if err != nil {
		return nil, err
	}
	subject := strings.ToLower(target.Name) + ".jobs"
	stream, err := conn.JS.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      target.Name,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		MaxMsgs:   int64(capacity),
		Discard:   jetstream.DiscardNew,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create stream %s: %w", target.Name, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       natsJobConsumer,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       natsDefaultAckWait,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	return &NATSJobQueue{
		conn:     conn,
		stream:   stream,
		consumer: consumer,
		subject:  subject,
		capacity: capacity,
		logger:   slog.Default(),
		inflight: map[string]jetstream.Msg{},
	}, nil
}

func (q *NATSJobQueue) TryEnqueue(job Job) bool {
	ctx, cancel := context.WithTimeout(context.Background(), natsOperationTimeout)
	defer cancel()
	return q.publish(ctx, job)
}

func (q *NATSJobQueue) publish(ctx context.Context, job Job) bool {
	if strings.TrimSpace(job.ID) == "" {
		return false
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false
	}
	if _, err := q.conn.JS.Publish(ctx, q.subject, payload, jetstream.WithMsgID(job.ID)); err != nil {
		q.logger.Debug("job publish rejected", "job", job.ID, "error", err)
		return false
	}
	return true
}

func (q *NATSJobQueue) Enqueue(ctx context.Context, job Job) bool {
	for {
		if q.publish(ctx, job) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(natsPublishRetry):
		}
	}
}

func (q *NATSJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		if ctx.Err() != nil {
			return Job{}, false
		}
		msgs, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(natsFetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, false
			}
			continue
		}
		for msg := range msgs.Messages() {
			var job Job
			if err := json.Unmarshal(msg.Data(), &job); err != nil || strings.TrimSpace(job.ID) == "" {
				q.logger.Warn("dropping undecodable job message", "error", err)
				_ = msg.Term()
				continue
			}
			q.mu.Lock()
			q.inflight[job.ID] = msg
			q.mu.Unlock()
			return job, true
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			q.logger.Debug("job fetch error", "error", err)
		}
	}
}

func (q *NATSJobQueue) Ack(jobID string) error {
	q.mu.Lock()
	msg, ok := q.inflight[jobID]
	delete(q.inflight, jobID)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return msg.Ack()
}

func (q *NATSJobQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), natsOperationTimeout)
	defer cancel()
	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0
	}
	return int(info.State.Msgs)
}

func (q *NATSJobQueue) Capacity() int {
	return q.capacity
}

func (q *NATSJobQueue) Close() error {
	return q.conn.Close()
}
