package payrail

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/blnkfinance/payrail/database"
	"github.com/blnkfinance/payrail/internal/metrics"
	"github.com/blnkfinance/payrail/internal/retry"
	"github.com/blnkfinance/payrail/model"
)

type ConsumerState string

const (
	StateIdle         ConsumerState = "idle"
	StateFetching     ConsumerState = "fetching"
	StateDispatching  ConsumerState = "dispatching"
	StateProcessed    ConsumerState = "processed"
	StateRetrying     ConsumerState = "retrying"
	StateDeadLettered ConsumerState = "deadlettered"
	StateStopped      ConsumerState = "stopped"
)

// DispatchFunc handles one row. Errors marked with retry.Permanent skip the
// retry budget and dead-letter the row.
type DispatchFunc func(ctx context.Context, row model.QueueRow) error

// QueueStore is the part of the datasource a consumer uses.
type QueueStore interface {
	FetchOldest(ctx context.Context, kind model.QueueKind, limit int) ([]model.QueueRow, error)
	MarkProcessed(ctx context.Context, kind model.QueueKind, id string) error
	IncrementAttemptsOrDeadLetter(ctx context.Context, row model.QueueRow, reason string, maxAttempts int) (model.AttemptOutcome, error)
	DeadLetter(ctx context.Context, row model.QueueRow, reason string) error
}

type ConsumerOptions struct {
	BatchSize      int
	MaxAttempts    int
	PollInterval   time.Duration
	LoopErrorDelay time.Duration
	Retrier        *retry.Retrier
	Metrics        *metrics.Collector
}

// Consumer polls one queue and runs each row through dispatch. Rows in a
// batch are handled sequentially, oldest first.
type Consumer struct {
	kind     model.QueueKind
	store    QueueStore
	dispatch DispatchFunc
	opts     ConsumerOptions

	state    atomic.Value
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewConsumer(kind model.QueueKind, store QueueStore, dispatch DispatchFunc, opts ConsumerOptions) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LoopErrorDelay <= 0 {
		opts.LoopErrorDelay = 1500 * time.Millisecond
	}
	if opts.Retrier == nil {
		opts.Retrier = retry.New(retry.DefaultPolicy())
	}
	c := &Consumer{
		kind:     kind,
		store:    store,
		dispatch: dispatch,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.state.Store(StateIdle)
	return c
}

func (p *Payrail) consumerOptions() ConsumerOptions {
	q := p.config.Queue
	return ConsumerOptions{
		BatchSize:      q.BatchSize,
		MaxAttempts:    q.MaxAttempts,
		PollInterval:   q.PollInterval(),
		LoopErrorDelay: q.LoopErrorDelay(),
		Retrier:        p.newRetrier(q.InProcessRetries, nil),
		Metrics:        p.metrics,
	}
}

// NewOutboxConsumer delivers outbox rows to the registered handlers.
func (p *Payrail) NewOutboxConsumer() *Consumer {
	return NewConsumer(model.QueueOutbox, p.datasource, p.DispatchOutbox, p.consumerOptions())
}

// NewWebhookConsumer applies stored provider events to orders.
func (p *Payrail) NewWebhookConsumer() *Consumer {
	return NewConsumer(model.QueueWebhook, p.datasource, p.DispatchWebhook, p.consumerOptions())
}

func (c *Consumer) Kind() model.QueueKind {
	return c.kind
}

func (c *Consumer) State() ConsumerState {
	return c.state.Load().(ConsumerState)
}

func (c *Consumer) setState(s ConsumerState, fields logrus.Fields) {
	c.state.Store(s)
	entry := logrus.WithFields(logrus.Fields{"queue": c.kind, "state": s})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Debug("consumer state changed")
}

// Start polls until Stop is called or ctx is cancelled. Stop lets the
// current batch finish; cancelling ctx ends the loop after the current row.
func (c *Consumer) Start(ctx context.Context) error {
	defer close(c.done)
	defer c.setState(StateStopped, nil)

	logrus.WithField("queue", c.kind).Info("consumer started")
	for {
		select {
		case <-c.stop:
			logrus.WithField("queue", c.kind).Info("consumer stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		wait := c.opts.PollInterval
		n, err := c.RunOnce(ctx)
		if err != nil {
			c.opts.Metrics.LoopError(string(c.kind))
			logrus.WithFields(logrus.Fields{"queue": c.kind, "error": err.Error()}).Error("consumer cycle failed")
			wait = c.opts.LoopErrorDelay
		} else if n == c.opts.BatchSize {
			// A full batch means there is probably more waiting.
			wait = 0
		}

		if wait == 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-c.stop:
			timer.Stop()
			logrus.WithField("queue", c.kind).Info("consumer stopped")
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Stop asks the loop to exit once the in-flight batch has drained.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Wake cuts the current poll wait short. It never blocks.
func (c *Consumer) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Start returns.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// RunOnce runs a single poll cycle and returns how many rows it handled.
// The error is only set for loop-level failures such as an unreachable store.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("payrail.consumer").Start(ctx, "Poll "+string(c.kind))
	defer span.End()

	c.setState(StateFetching, nil)
	rows, err := c.store.FetchOldest(ctx, c.kind, c.opts.BatchSize)
	if err != nil {
		c.setState(StateIdle, nil)
		return 0, fmt.Errorf("fetch %s rows: %w", c.kind, err)
	}
	span.SetAttributes(attribute.Int("payrail.batch_size", len(rows)))

	handled := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		c.process(ctx, row)
		handled++
	}
	c.setState(StateIdle, nil)
	return handled, nil
}

func (c *Consumer) process(ctx context.Context, row model.QueueRow) {
	// Handlers may be talking to a payment provider; they finish even if the
	// loop is being torn down.
	hctx := context.WithoutCancel(ctx)
	fields := logrus.Fields{"row_id": row.ID, "type": row.Type, "attempts": row.Attempts}
	c.setState(StateDispatching, fields)

	start := time.Now()
	err := c.opts.Retrier.Do(hctx, func(ctx context.Context) error {
		return c.safeDispatch(ctx, row)
	})
	c.opts.Metrics.ObserveHandler(string(c.kind), time.Since(start))

	if err == nil {
		if markErr := c.store.MarkProcessed(hctx, c.kind, row.ID); markErr != nil {
			// The row will be delivered again; handlers tolerate that.
			logrus.WithFields(fields).WithField("error", markErr.Error()).Error("failed to mark row processed")
			return
		}
		c.opts.Metrics.RowProcessed(string(c.kind), row.Type)
		c.setState(StateProcessed, fields)
		return
	}

	fields["error"] = err.Error()
	if retry.IsPermanent(err) {
		if dlErr := c.store.DeadLetter(hctx, row, err.Error()); dlErr != nil {
			if errors.Is(dlErr, database.ErrConcurrentUpdate) {
				logrus.WithFields(fields).Info("row already settled by another consumer")
				return
			}
			logrus.WithFields(fields).WithField("dead_letter_error", dlErr.Error()).Error("failed to dead-letter row")
			return
		}
		c.opts.Metrics.RowDeadLettered(string(c.kind), metrics.ReasonPermanent)
		c.setState(StateDeadLettered, fields)
		logrus.WithFields(fields).Warn("row dead-lettered without retry")
		return
	}

	outcome, incErr := c.store.IncrementAttemptsOrDeadLetter(hctx, row, err.Error(), c.opts.MaxAttempts)
	if incErr != nil {
		if errors.Is(incErr, database.ErrConcurrentUpdate) {
			logrus.WithFields(fields).Info("row attempt already recorded by another consumer")
			return
		}
		logrus.WithFields(fields).WithField("store_error", incErr.Error()).Error("failed to record attempt")
		return
	}

	switch outcome {
	case model.AttemptDeadLettered:
		c.opts.Metrics.RowDeadLettered(string(c.kind), metrics.ReasonMaxAttempts)
		c.setState(StateDeadLettered, fields)
		logrus.WithFields(fields).Warn("row dead-lettered after max attempts")
	default:
		c.opts.Metrics.RowRetried(string(c.kind))
		c.setState(StateRetrying, fields)
	}
}

func (c *Consumer) safeDispatch(ctx context.Context, row model.QueueRow) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{"row_id": row.ID, "stack": string(debug.Stack())}).Error("handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.dispatch(ctx, row)
}
