package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"smartboard-ingest/internal/config"
	"smartboard-ingest/internal/queue"
	"smartboard-ingest/internal/telemetry"
)

// Processor drives the worker execution loop. One message is in flight per processor;
// throughput scales by running more worker processes against the same queue.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[string]Handler
	logger   *slog.Logger
	workerID string
}

// Handler executes one delivery of a message. A returned error hands the message back to
// the queue's retry policy.
type Handler func(ctx context.Context, msg queue.Message) error

func NewProcessor(cfg config.Config, q *queue.RedisQueue, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, logger, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, logger *slog.Logger, workerID string) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if workerID != "" {
		logger = logger.With("worker_id", workerID)
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		logger:   logger,
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a queue name.
func (p *Processor) RegisterHandler(name string, handler Handler) {
	if name == "" || handler == nil {
		return
	}
	p.handlers[name] = handler
}

// Run polls every registered queue until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	names := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	poll := p.cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	p.logger.Info("worker started", "queues", names, "poll_interval", poll)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		busy := false
		for _, name := range names {
			worked, err := p.Tick(ctx, name)
			if err != nil {
				p.logger.Error("worker tick", "queue", name, "error", err)
			}
			busy = busy || worked
		}
		if busy {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Tick runs one iteration for a queue: promote due scheduled messages, reclaim expired
// leases, then dequeue and process at most one message. It reports whether a message ran.
func (p *Processor) Tick(ctx context.Context, name string) (bool, error) {
	handler, ok := p.handlers[name]
	if !ok {
		return false, fmt.Errorf("no handler registered for queue %q", name)
	}

	batch := int64(p.cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, name, now, batch); err != nil {
		return false, err
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, name, now, batch); err != nil {
		return false, err
	} else if reclaimed > 0 {
		p.logger.Warn("reclaimed expired leases", "queue", name, "count", reclaimed)
	}
	if stats, err := p.queue.Stats(ctx, name); err == nil {
		telemetry.QueueDepthGauge.Set(float64(stats.Ready))
		telemetry.InFlightGauge.Set(float64(stats.InFlight))
	}

	msg, ok, err := p.queue.Dequeue(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	p.process(ctx, handler, msg)
	return true, nil
}

func (p *Processor) process(ctx context.Context, handler Handler, msg queue.Message) {
	log := p.logger.With("queue", msg.Name, "message_id", msg.ID, "attempt", msg.Attempts, "max_attempts", msg.MaxAttempts)

	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
	}
	defer cancel()

	stopLease := p.keepLease(jobCtx, msg, log)
	err := p.runHandler(jobCtx, handler, msg)
	stopLease()

	// the outcome is recorded even when shutdown cancelled ctx mid-job
	finalCtx, finalCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finalCancel()

	if err == nil {
		if ackErr := p.queue.Ack(finalCtx, msg.Name, msg.ID); ackErr != nil {
			log.Error("ack", "error", ackErr)
		}
		telemetry.WorkerSuccess.Inc()
		log.Debug("message completed")
		return
	}

	outcome, failErr := p.queue.Fail(finalCtx, msg, err)
	if failErr != nil {
		log.Error("record failure", "error", failErr, "cause", err)
		return
	}
	if outcome.DeadLettered {
		telemetry.WorkerDeadLetter.Inc()
		log.Error("message dead-lettered", "error", err)
		return
	}
	telemetry.WorkerFailures.Inc()
	log.Warn("message failed, retry scheduled", "error", err, "next_run_at", outcome.NextRunAt.UTC().Format(time.RFC3339))
}

func (p *Processor) runHandler(ctx context.Context, handler Handler, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// keepLease extends the message lease at half the visibility timeout until stopped, so a
// long job is not reclaimed and delivered twice.
func (p *Processor) keepLease(ctx context.Context, msg queue.Message, log *slog.Logger) func() {
	visibility := p.queue.VisibilityTimeout()
	interval := visibility / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, msg.Name, msg.ID, visibility); err != nil {
					log.Warn("extend lease", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
