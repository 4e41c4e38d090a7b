package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ebooklib/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// JobStatus tracks one book-state sync request.
type JobStatus struct {
	ID           string    `json:"id"`
	BookID       string    `json:"bookId"`
	State        string    `json:"state"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. A non-nil error counts as a failed attempt.
type Handler func(context.Context, JobStatus) error

// RedisJobQueue is a Redis stream with a consumer group and a status hash per job.
type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	// One attempt unless configured otherwise: the sync is best-effort.
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue records a queued job and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, bookID, state string) (JobStatus, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return JobStatus{}, errors.New("bookId required")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return JobStatus{}, errors.New("state required")
	}
	now := time.Now().UTC()
	job := JobStatus{
		ID:        util.NewID(),
		BookID:    bookID,
		State:     state,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(job.ID, job.BookID, job.State),
	}).Err(); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(data) == 0 {
		return JobStatus{}, false, nil
	}
	return decodeJobStatus(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		go q.consumeLoop(ctx, fmt.Sprintf("%s-%d", q.consumerBase, i), handler)
	}
}

// Close releases the Redis connection pool.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// ensureGroup reads from the beginning of the stream so jobs enqueued before
// the first consumer started are still delivered.
func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("queue group create failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		for _, msg := range q.poll(ctx, consumer) {
			q.handleMessage(ctx, msg, handler)
		}
	}
}

// poll prefers entries abandoned by a dead consumer over new ones.
func (q *RedisJobQueue) poll(ctx context.Context, consumer string) []redis.XMessage {
	reclaimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == nil && len(reclaimed) > 0 {
		return reclaimed
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    q.readCount,
		Block:    q.block,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			slog.Debug("queue read failed", "stream", q.stream, "consumer", consumer, "err", err)
			q.sleep(ctx)
		}
		return nil
	}
	var out []redis.XMessage
	for _, stream := range streams {
		out = append(out, stream.Messages...)
	}
	return out
}

// syncMessage is the payload of one stream entry.
type syncMessage struct {
	id     string
	jobID  string
	bookID string
	state  string
}

func parseMessage(msg redis.XMessage) (syncMessage, bool) {
	m := syncMessage{id: msg.ID}
	m.jobID, _ = msg.Values["job_id"].(string)
	m.bookID, _ = msg.Values["book_id"].(string)
	m.state, _ = msg.Values["state"].(string)
	return m, m.jobID != "" && m.bookID != "" && m.state != ""
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	m, ok := parseMessage(msg)
	if !ok {
		slog.Warn("dropping malformed queue entry", "stream", q.stream, "msg_id", msg.ID)
		q.drop(ctx, msg.ID)
		return
	}
	job, err := q.beginAttempt(ctx, m)
	if err != nil {
		slog.Warn("queue job status unavailable", "job_id", m.jobID, "err", err)
		q.drop(ctx, m.id)
		return
	}

	herr := handler(ctx, job)
	switch {
	case herr == nil:
		_ = q.setStatus(ctx, m.jobID, StatusDone, "")
		q.drop(ctx, m.id)
	case job.Attempts >= q.maxRetries:
		_ = q.setStatus(ctx, m.jobID, StatusFailed, herr.Error())
		q.drop(ctx, m.id)
	default:
		_ = q.setStatus(ctx, m.jobID, StatusQueued, herr.Error())
		if !q.sleep(ctx) {
			return
		}
		if err := q.requeueAndAck(ctx, m.id, m.jobID, m.bookID, m.state); err != nil {
			slog.Warn("queue requeue failed, entry stays pending", "job_id", m.jobID, "err", err)
		}
	}
}

// sleep waits retryDelay and reports false when ctx ended first.
func (q *RedisJobQueue) sleep(ctx context.Context) bool {
	if q.retryDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(q.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (q *RedisJobQueue) drop(ctx context.Context, msgID string) {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, _ = pipe.Exec(ctx)
}

// requeueAndAck appends a fresh entry and retires the old one atomically, so
// a failure leaves the original pending for XAUTOCLAIM.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, bookID, state string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(jobID, bookID, state),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

// beginAttempt bumps the attempt counter in place and returns the job as stored.
func (q *RedisJobQueue) beginAttempt(ctx context.Context, m syncMessage) (JobStatus, error) {
	key := q.jobKey(m.jobID)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := q.client.TxPipeline()
	pipe.HSetNX(ctx, key, "createdAt", now)
	pipe.HIncrBy(ctx, key, "attempts", 1)
	pipe.HSet(ctx, key,
		"id", m.jobID,
		"bookId", m.bookID,
		"state", m.state,
		"status", StatusProcessing,
		"updatedAt", now,
	)
	pipe.Expire(ctx, key, q.jobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return JobStatus{}, err
	}
	job, _, err := q.GetJob(ctx, m.jobID)
	return job, err
}

func (q *RedisJobQueue) setStatus(ctx context.Context, jobID, status, errMsg string) error {
	key := q.jobKey(jobID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", status,
		"error", errMsg,
		"updatedAt", time.Now().UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job JobStatus) error {
	key := q.jobKey(job.ID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"id":        job.ID,
		"bookId":    job.BookID,
		"state":     job.State,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return q.stream + ":job:" + jobID
}

func streamValues(jobID, bookID, state string) map[string]any {
	return map[string]any{
		"job_id":  jobID,
		"book_id": bookID,
		"state":   state,
	}
}

func decodeJobStatus(jobID string, data map[string]string) JobStatus {
	job := JobStatus{
		ID:           jobID,
		BookID:       data["bookId"],
		State:        data["state"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	job.Attempts, _ = strconv.Atoi(data["attempts"])
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, data["createdAt"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, data["updatedAt"])
	return job
}
