package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ebooklib/pkg/domain"
	"ebooklib/pkg/queue"
)

// StateSync forwards a returned book's condition to the book registry.
// Schedule must not block on the registry.
type StateSync interface {
	Schedule(ctx context.Context, bookID string, condition domain.BookCondition) error
}

// BookStateUpdater is the registry call a sync eventually makes.
type BookStateUpdater interface {
	UpdateState(ctx context.Context, bookID string, condition domain.BookCondition) error
}

// QueueStateSync puts sync requests on a Redis stream drained by Start.
type QueueStateSync struct {
	queue *queue.RedisJobQueue
	books BookStateUpdater
}

func NewQueueStateSync(q *queue.RedisJobQueue, books BookStateUpdater) *QueueStateSync {
	return &QueueStateSync{queue: q, books: books}
}

func (s *QueueStateSync) Schedule(ctx context.Context, bookID string, condition domain.BookCondition) error {
	job, err := s.queue.Enqueue(ctx, bookID, string(condition))
	if err != nil {
		return fmt.Errorf("enqueue book state sync: %w", err)
	}
	slog.Debug("book state sync queued", "job_id", job.ID, "book_id", bookID, "state", condition)
	return nil
}

// Start runs consumers until ctx is canceled.
func (s *QueueStateSync) Start(ctx context.Context, concurrency int) {
	s.queue.Start(ctx, concurrency, s.handle)
}

func (s *QueueStateSync) handle(ctx context.Context, job queue.JobStatus) error {
	condition, ok := domain.ParseBookCondition(job.State)
	if !ok {
		slog.Warn("book state sync dropped", "job_id", job.ID, "book_id", job.BookID, "state", job.State)
		return nil
	}
	if err := s.books.UpdateState(ctx, job.BookID, condition); err != nil {
		slog.Warn("book state sync failed", "job_id", job.ID, "book_id", job.BookID, "attempt", job.Attempts, "err", err)
		return err
	}
	slog.Info("book state synced", "job_id", job.ID, "book_id", job.BookID, "state", condition)
	return nil
}

// DirectStateSync calls the registry from a goroutine when no queue is configured.
type DirectStateSync struct {
	Books   BookStateUpdater
	Timeout time.Duration
}

func (s DirectStateSync) Schedule(ctx context.Context, bookID string, condition domain.BookCondition) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := s.Books.UpdateState(ctx, bookID, condition); err != nil {
			slog.Warn("book state sync failed", "book_id", bookID, "state", condition, "err", err)
		}
	}()
	return nil
}
