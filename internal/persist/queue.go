// Package persist records finished turns in the background.
package persist

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/xiaomayi-ant/test-frontend/internal/metrics"
	"github.com/xiaomayi-ant/test-frontend/internal/store"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/converters"
	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

const (
	DefaultWorkers         = 2
	DefaultQueueSize       = 256
	DefaultMaxRetries      = 5
	DefaultInitialInterval = 500 * time.Millisecond
)

// Job is the bookkeeping owed after a relayed turn
type Job struct {
	ConversationID string
	ThreadID       string
	TurnID         string
	// AssistantText is the accumulated reply; empty means no assistant message is stored
	AssistantText string
}

// Store is the subset of the conversation store the queue writes to
type Store interface {
	AppendMessage(ctx context.Context, msg *store.Message) (bool, error)
	FirstUserMessage(ctx context.Context, conversationID string) (*store.Message, error)
	TouchConversation(ctx context.Context, id string, update store.ConversationUpdate) error
}

// Options tunes the queue
type Options struct {
	Workers         int
	QueueSize       int
	MaxRetries      int
	InitialInterval time.Duration
}

// Queue runs persistence jobs on a fixed pool of workers. Each job is retried with
// exponential backoff. Writes are keyed by turn, so a replayed job stores nothing twice.
type Queue struct {
	store   Store
	opts    Options
	metrics *metrics.Metrics
	log     logr.Logger

	jobs    chan Job
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	started sync.Once
}

// NewQueue creates a new Queue
func NewQueue(s Store, opts Options, m *metrics.Metrics, log logr.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	return &Queue{
		store:   s,
		opts:    opts,
		metrics: m,
		log:     log.WithName("persist"),
		jobs:    make(chan Job, opts.QueueSize),
	}
}

// Start launches the workers. They run until Close.
func (q *Queue) Start(ctx context.Context) {
	q.started.Do(func() {
		for i := 0; i < q.opts.Workers; i++ {
			q.wg.Add(1)
			go q.worker(ctx, i)
		}
	})
}

// Run starts the workers, waits for ctx to end and drains the queue
func (q *Queue) Run(ctx context.Context) error {
	// queued jobs still finish once ctx is done
	q.Start(context.WithoutCancel(ctx))
	<-ctx.Done()
	q.Close()
	return nil
}

// Enqueue hands a job to the workers without blocking. It reports false when the
// queue is full or closed; the job is dropped.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.metrics.PersistJob(metrics.OutcomeDropped)
		q.log.Info("Dropping persistence job, queue closed", "conversationID", job.ConversationID, "turnID", job.TurnID)
		return false
	}
	select {
	case q.jobs <- job:
		return true
	default:
		q.metrics.PersistJob(metrics.OutcomeDropped)
		q.log.Info("Dropping persistence job, queue full", "conversationID", job.ConversationID, "turnID", job.TurnID)
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log := q.log.WithValues("worker", id)
	for job := range q.jobs {
		if err := q.runJob(ctx, job); err != nil {
			log.Error(err, "Persistence job failed", "conversationID", job.ConversationID, "turnID", job.TurnID)
		}
	}
}

func (q *Queue) runJob(ctx context.Context, job Job) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.InitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := q.Process(ctx, job)
		if err != nil && apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			// the conversation was deleted mid-turn
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(q.opts.MaxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			q.metrics.PersistJob(metrics.OutcomeRetry)
			q.log.V(1).Info("Retrying persistence job", "turnID", job.TurnID, "error", err.Error(), "in", next)
		}),
	)
	if err != nil {
		q.metrics.PersistJob(metrics.OutcomeFailed)
		return err
	}
	q.metrics.PersistJob(metrics.OutcomeSuccess)
	return nil
}

// Process performs one attempt of a job: store the assistant reply, derive the title
// from the first user message while it is still the default, bump updatedAt and
// record the thread.
func (q *Queue) Process(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.AssistantText) != "" {
		content, err := AssistantContent(job.AssistantText)
		if err != nil {
			return err
		}
		msg := store.NewMessage(job.ConversationID, job.TurnID, store.RoleAssistant, content)
		if _, err := q.store.AppendMessage(ctx, msg); err != nil {
			return err
		}
	}

	update := store.ConversationUpdate{
		ThreadID:     job.ThreadID,
		DefaultTitle: session.DefaultTitle,
	}
	first, err := q.store.FirstUserMessage(ctx, job.ConversationID)
	if err != nil {
		return err
	}
	if first != nil {
		update.Title = converters.Title(converters.MessageText(json.RawMessage(first.Content)), converters.TitleLength)
	}
	return q.store.TouchConversation(ctx, job.ConversationID, update)
}

// AssistantContent is the stored form of an assistant reply
func AssistantContent(text string) (json.RawMessage, error) {
	data, err := json.Marshal(map[string]string{"type": converters.PartTypeText, "text": text})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodePersistenceFailed, "failed to encode assistant message", err)
	}
	return data, nil
}
