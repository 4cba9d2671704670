package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	alertapp "bandix-monitor/internal/alerts/application"
	alerts "bandix-monitor/internal/alerts/domain"
	"bandix-monitor/internal/observability/metrics"
)

const (
	defaultQueueSize    = 64
	defaultQueueWorkers = 1

	resultDropped = "dropped"
)

// Queue hands events to background workers so the caller never waits on
// delivery. A full queue drops the event.
type Queue struct {
	next    alertapp.Notifier
	name    string
	events  chan alerts.Event
	workers int
	logger  logrus.FieldLogger
}

// QueueOption configures the queue.
type QueueOption func(*Queue)

func WithQueueSize(size int) QueueOption {
	return func(q *Queue) {
		if size > 0 {
			q.events = make(chan alerts.Event, size)
		}
	}
}

// WithQueueWorkers sets the number of delivery goroutines. One worker keeps
// delivery order.
func WithQueueWorkers(workers int) QueueOption {
	return func(q *Queue) {
		if workers > 0 {
			q.workers = workers
		}
	}
}

func WithQueueName(name string) QueueOption {
	return func(q *Queue) {
		if name != "" {
			q.name = name
		}
	}
}

func WithQueueLogger(logger logrus.FieldLogger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewQueue wraps next. Events are delivered only while Run is active.
func NewQueue(next alertapp.Notifier, opts ...QueueOption) (*Queue, error) {
	if next == nil {
		return nil, errors.New("alert queue: nil notifier")
	}
	q := &Queue{
		next:    next,
		name:    "queue",
		events:  make(chan alerts.Event, defaultQueueSize),
		workers: defaultQueueWorkers,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

var _ alertapp.Notifier = (*Queue)(nil)

// Notify enqueues the event without blocking.
func (q *Queue) Notify(_ context.Context, event alerts.Event) {
	if q == nil {
		return
	}
	select {
	case q.events <- event:
	default:
		metrics.IncNotify(q.name, resultDropped)
		q.logger.WithFields(logrus.Fields{
			"rule_id":  event.RuleID,
			"subject":  event.Subject,
			"event_id": event.ID,
		}).Warn("alert notification queue full; event dropped")
	}
}

// Pending reports queued events not yet picked up by a worker.
func (q *Queue) Pending() int {
	return len(q.events)
}

// Run delivers queued events until ctx is done. Deliveries in flight get
// ctx, so cancellation aborts them.
func (q *Queue) Run(ctx context.Context) error {
	if q == nil {
		return errors.New("alert queue: nil")
	}
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event := <-q.events:
					q.next.Notify(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
	if pending := q.Pending(); pending > 0 {
		q.logger.WithField("pending", pending).Warn("alert notification queue stopped with undelivered events")
	}
	return nil
}
