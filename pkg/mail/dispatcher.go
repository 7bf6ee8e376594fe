package mail

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minWang916/kms-api/pkg/config"
	"github.com/minWang916/kms-api/pkg/jobs"
)

// Dispatcher hands messages to a background worker pool. Callers only learn
// whether the message was accepted for delivery; delivery itself is retried
// by the queue and its terminal failures are logged, not reported back.
type Dispatcher struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewDispatcher wires a sender behind an in-memory job queue.
func NewDispatcher(sender Sender, cfg config.MailConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := func(_ context.Context, job jobs.Job) error {
		msg, ok := job.Payload.(Message)
		if !ok {
			logger.Error("mail job carries unexpected payload", zap.String("job_id", job.ID))
			return nil
		}
		return sender.Send(msg)
	}

	queue := jobs.NewQueue("mail", handler, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.QueueBuffer,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})

	return &Dispatcher{queue: queue, logger: logger}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Stop drains the workers.
func (d *Dispatcher) Stop() {
	d.queue.Stop()
}

// Dispatch enqueues a message and returns the dispatch outcome.
func (d *Dispatcher) Dispatch(msg Message) error {
	return d.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    "mail.send",
		Payload: msg,
	})
}
