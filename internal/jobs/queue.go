// Package jobs provides the background job queue modules enqueue work
// onto and consume work from.
//
// Jobs ride on NATS subjects under the "jobs." prefix. Consumers join a
// shared queue group, so running several daemon instances spreads the
// work instead of duplicating it.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clientforge/forged/internal/config"
)

const (
	subjectPrefix = "jobs."
	workerGroup   = "forged-workers"
)

// queuePattern restricts queue names to valid NATS subject tokens.
var queuePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Job is the envelope carried on the wire for every enqueued payload.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Handler processes a single job. A returned error is logged and counted
// but never redelivered; handlers own their retry policy.
type Handler func(ctx context.Context, job Job) error

// Queue publishes and consumes jobs over a NATS connection.
type Queue struct {
	nc       *nats.Conn
	log      *zap.Logger
	limiter  *rate.Limiter
	ownsConn bool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// Connect dials NATS using the queue configuration and returns a ready
// queue. The connection retries in the background, so a daemon starting
// before its broker comes up works once the broker does.
func Connect(cfg config.JobsConfig, log *zap.Logger) (*Queue, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	q := newQueue(nc, log, rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.DispatchBurst))
	q.ownsConn = true
	return q, nil
}

// NewQueue wraps an existing NATS connection. The caller keeps ownership
// of the connection. Dispatch is unlimited unless limiter is non-nil.
func NewQueue(nc *nats.Conn, log *zap.Logger, limiter *rate.Limiter) *Queue {
	return newQueue(nc, log, limiter)
}

func newQueue(nc *nats.Conn, log *zap.Logger, limiter *rate.Limiter) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		nc:      nc,
		log:     log,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue publishes payload onto the named queue and returns the job ID.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload any) (string, error) {
	if !queuePattern.MatchString(queue) {
		return "", fmt.Errorf("invalid queue name %q", queue)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	job := Job{
		ID:         uuid.New().String(),
		Queue:      queue,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}

	if err := q.nc.Publish(subjectPrefix+queue, data); err != nil {
		return "", fmt.Errorf("publishing job: %w", err)
	}

	JobsEnqueued.WithLabelValues(queue).Inc()
	return job.ID, nil
}

// Handle subscribes handler to the named queue as part of the shared
// worker group. The returned stop function cancels just this
// subscription.
func (q *Queue) Handle(queue string, handler Handler) (func(), error) {
	if !queuePattern.MatchString(queue) {
		return nil, fmt.Errorf("invalid queue name %q", queue)
	}

	sub, err := q.nc.QueueSubscribe(subjectPrefix+queue, workerGroup, func(msg *nats.Msg) {
		q.dispatch(queue, handler, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", queue, err)
	}

	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()

	return func() { _ = sub.Unsubscribe() }, nil
}

// dispatch runs one delivered message through the rate limiter and the
// handler. Handler outcomes never propagate to the publisher.
func (q *Queue) dispatch(queue string, handler Handler, msg *nats.Msg) {
	if err := q.limiter.Wait(q.ctx); err != nil {
		return
	}

	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.log.Warn("discarding malformed job",
			zap.String("queue", queue),
			zap.Error(err))
		JobsProcessed.WithLabelValues(queue, "malformed").Inc()
		return
	}

	start := time.Now()
	if err := handler(q.ctx, job); err != nil {
		q.log.Warn("job handler failed",
			zap.String("queue", queue),
			zap.String("job", job.ID),
			zap.Error(err))
		JobsProcessed.WithLabelValues(queue, "error").Inc()
		return
	}

	JobsProcessed.WithLabelValues(queue, "ok").Inc()
	JobDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
}

// Drain stops delivery, waits for in-flight handlers to finish, then
// closes the connection if the queue owns it. Returns ctx.Err() when the
// deadline expires first.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	subs := q.subs
	q.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			q.log.Warn("draining subscription", zap.Error(err))
		}
	}

	// Drain is asynchronous; a subscription stays valid until its
	// pending messages are handled.
	for _, sub := range subs {
		for sub.IsValid() {
			select {
			case <-ctx.Done():
				q.cancel()
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	q.cancel()
	if q.ownsConn {
		q.nc.Close()
	}
	return nil
}

// Close tears the queue down immediately, abandoning in-flight work.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	subs := q.subs
	q.mu.Unlock()

	q.cancel()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if q.ownsConn {
		q.nc.Close()
	}
}
