package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"peertube-live/internal/redisutil"
)

const (
	defaultEventStream = "peertube:live:events"
	defaultEventGroup  = "live-auditors"
	payloadField       = "payload"
	readBatch          = 32
	retryDelay         = 200 * time.Millisecond
)

// RedisQueueConfig configures the Redis Streams queue. Subscribers share one
// consumer group, so each event reaches exactly one of them.
type RedisQueueConfig struct {
	Redis        redisutil.Config
	Stream       string
	Group        string
	Logger       *slog.Logger
	BlockTimeout time.Duration
	Buffer       int
	// MaxLen caps the stream with approximate trimming. Zero keeps everything.
	MaxLen int64
}

type redisQueue struct {
	client redis.UniversalClient
	cfg    RedisQueueConfig
	log    *slog.Logger

	groupOnce sync.Mutex
	groupOK   bool
}

// NewRedisQueue connects and creates the consumer group, failing fast when
// Redis is unreachable.
func NewRedisQueue(cfg RedisQueueConfig) (Queue, error) {
	cfg.Stream = strings.TrimSpace(cfg.Stream)
	if cfg.Stream == "" {
		cfg.Stream = defaultEventStream
	}
	cfg.Group = strings.TrimSpace(cfg.Group)
	if cfg.Group == "" {
		cfg.Group = defaultEventGroup
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	client, err := redisutil.NewClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	q := &redisQueue{client: client, cfg: cfg, log: log.With("stream", cfg.Stream)}
	if err := q.ensureGroup(context.Background()); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create consumer group %s: %w", cfg.Group, err)
	}
	return q, nil
}

// ensureGroup creates the group once. BUSYGROUP means another process won.
func (q *redisQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Lock()
	defer q.groupOnce.Unlock()
	if q.groupOK {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	q.groupOK = true
	return nil
}

func (q *redisQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errUntypedEvent
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	return q.append(ctx, string(body))
}

func (q *redisQueue) append(ctx context.Context, body string) error {
	args := &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: []any{payloadField, body},
	}
	if q.cfg.MaxLen > 0 {
		args.MaxLen = q.cfg.MaxLen
		args.Approx = true
	}
	return q.client.XAdd(ctx, args).Err()
}

func (q *redisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	r := &streamReader{
		q:        q,
		consumer: "live-" + uuid.NewString(),
		out:      make(chan Event, q.cfg.Buffer),
		stop:     cancel,
		stopped:  make(chan struct{}),
	}
	go r.loop(ctx)
	return r
}

// streamReader is one consumer in the group. Entries it read but could not
// hand over before Close are acknowledged and appended again, so the next
// consumer sees them.
type streamReader struct {
	q         *redisQueue
	consumer  string
	out       chan Event
	stop      context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once
}

func (r *streamReader) Events() <-chan Event { return r.out }

func (r *streamReader) Close() {
	r.closeOnce.Do(func() {
		r.stop()
		<-r.stopped
	})
}

func (r *streamReader) loop(ctx context.Context) {
	defer close(r.stopped)
	defer close(r.out)
	for ctx.Err() == nil {
		batch, err := r.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.q.log.Warn("event stream read failed", "consumer", r.consumer, "error", err)
			sleepCtx(ctx, retryDelay)
			continue
		}
		if !r.deliver(ctx, batch) {
			return
		}
	}
}

func (r *streamReader) fetch(ctx context.Context) ([]redis.XMessage, error) {
	if err := r.q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	res, err := r.q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.q.cfg.Group,
		Consumer: r.consumer,
		Streams:  []string{r.q.cfg.Stream, ">"},
		Count:    readBatch,
		Block:    r.q.cfg.BlockTimeout,
	}).Result()
	if redisutil.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var batch []redis.XMessage
	for _, s := range res {
		batch = append(batch, s.Messages...)
	}
	return batch, nil
}

// deliver reports false once ctx ends; undelivered entries are handed back.
func (r *streamReader) deliver(ctx context.Context, batch []redis.XMessage) bool {
	for i, msg := range batch {
		body, _ := msg.Values[payloadField].(string)
		var event Event
		if err := json.Unmarshal([]byte(body), &event); err != nil {
			r.q.log.Error("dropping undecodable event", "id", msg.ID, "error", err)
			r.ack(ctx, msg.ID)
			continue
		}
		select {
		case r.out <- event:
			r.ack(ctx, msg.ID)
		case <-ctx.Done():
			r.handBack(batch[i:])
			return false
		}
	}
	return true
}

func (r *streamReader) ack(ctx context.Context, id string) {
	if err := r.q.client.XAck(ctx, r.q.cfg.Stream, r.q.cfg.Group, id).Err(); err != nil {
		r.q.log.Warn("event ack failed", "id", id, "error", err)
	}
}

func (r *streamReader) handBack(batch []redis.XMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, msg := range batch {
		r.ack(ctx, msg.ID)
		body, ok := msg.Values[payloadField].(string)
		if !ok || body == "" {
			continue
		}
		if err := r.q.append(ctx, body); err != nil {
			r.q.log.Warn("event hand back failed", "id", msg.ID, "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
