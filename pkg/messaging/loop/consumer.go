package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krancour/abe/internal/logging"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
)

// State is the lifecycle state of a Consumer.
type State int

const (
	// StateIdle means the consumer has no background task.
	StateIdle State = iota
	// StateActive means the consumer's background task is consuming.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	}
	return "unknown"
}

// task is the handle for a consumer's background goroutine.
type task struct {
	cancel context.CancelFunc
	// done is closed when the goroutine has returned. err is written before
	// done is closed and is read only after.
	done chan struct{}
	err  error
	// stopping is set to 1 once Shutdown has claimed responsibility for
	// reporting the task's outcome.
	stopping int32
}

func (t *task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

var _ messaging.Consumer = &Consumer{}

// Consumer pulls messages from a backend in a background goroutine and
// dispatches them, one at a time and in order, to a handler. A Consumer runs
// at most one stream at a time and may be restarted after it stops.
type Consumer struct {
	backend messaging.Backend
	options ConsumerOptions
	logger  logging.Logger

	// mu serializes Run and Shutdown and guards task and abandoned.
	mu   sync.Mutex
	task *task
	// abandoned is a task that outlived Shutdown's wait. No new task starts
	// until it has finished.
	abandoned *task
}

// NewConsumer returns a new Consumer that will consume from the provided
// backend. The backend is not owned by the Consumer and is never closed by it.
func NewConsumer(
	backend messaging.Backend,
	options *ConsumerOptions,
) *Consumer {
	if options == nil {
		options = &ConsumerOptions{}
	}
	opts := *options
	opts.applyDefaults()
	return &Consumer{
		backend: backend,
		options: opts,
		logger:  opts.Logger,
	}
}

// Group returns the consumer group this consumer joins, if any.
func (c *Consumer) Group() string {
	return c.options.Group
}

// Running returns true if the consumer's background task is active.
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task != nil && !c.task.finished()
}

// State returns the consumer's lifecycle state.
func (c *Consumer) State() State {
	if c.Running() {
		return StateActive
	}
	return StateIdle
}

// Run starts consuming in a background goroutine and returns immediately. The
// goroutine runs until the backend's stream ends, ctx is canceled, or Shutdown
// is called. If the consumer is already running, or a task abandoned by
// Shutdown hasn't finished yet, Run does nothing and handler is ignored.
func (c *Consumer) Run(ctx context.Context, handler messaging.HandlerFn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if handler == nil {
		c.logger.Errorf("refusing to start consumer without a handler")
		return
	}

	if c.task != nil {
		if !c.task.finished() {
			c.logger.Warningf(
				"consumer%s is already running; ignoring request to run with "+
					"another handler",
				c.describeGroup(),
			)
			return
		}
		// The previous stream ended on its own. Forget it and start over.
		c.task = nil
	}

	if c.abandoned != nil {
		if !c.abandoned.finished() {
			c.logger.Warningf(
				"previous task for consumer%s is still stopping; ignoring request "+
					"to run",
				c.describeGroup(),
			)
			return
		}
		c.abandoned = nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.task = t

	c.logger.Debugf("starting consumer%s", c.describeGroup())

	go func() {
		defer close(t.done)
		defer cancel()
		t.err = c.consume(taskCtx, handler)
		if atomic.LoadInt32(&t.stopping) == 1 {
			return // Shutdown reports the outcome
		}
		switch {
		case t.err == nil:
			c.logger.Infof(
				"message stream for consumer%s ended; consumer task finished",
				c.describeGroup(),
			)
		case isCancellation(t.err):
			c.logger.Debugf("consumer%s task was canceled", c.describeGroup())
		default:
			c.logger.Errorf(
				"consumer%s task stopped: %s",
				c.describeGroup(),
				t.err,
			)
		}
	}()
}

// Shutdown cancels the consumer's background task and waits for it to stop,
// for no longer than the configured grace period or until ctx is canceled,
// whichever comes first. Shutdown never fails; anything that goes wrong is
// logged. When Shutdown returns, the consumer is idle. A task that is still
// running when the wait ends is abandoned: it stops on its own once the
// backend returns control, and Run refuses to start a new task until then.
func (c *Consumer) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.task == nil {
		c.logger.Debugf("consumer is not running; nothing to shut down")
		return
	}

	t := c.task
	defer func() {
		c.task = nil
	}()

	c.logger.Infof("shutting down loop consumer%s", c.describeGroup())

	if t.finished() {
		c.logger.Debugf("consumer task was already completed")
		if t.err != nil && !isCancellation(t.err) {
			c.logger.Warningf("consumer task had stopped with error: %s", t.err)
		}
	} else {
		c.logger.Debugf("cancelling consumer task")
		atomic.StoreInt32(&t.stopping, 1)
		t.cancel()
		if err := c.awaitTask(ctx, t); err != nil {
			c.logger.Errorf("unexpected error during consumer shutdown: %s", err)
			if !t.finished() {
				c.abandoned = t
			}
		} else {
			c.logger.Infof("consumer task cancelled successfully")
		}
	}

	c.logger.Infof("consumer shutdown complete")
}

// awaitTask waits for a canceled task to finish. It returns nil if the task
// finished cleanly or as a result of being canceled.
func (c *Consumer) awaitTask(ctx context.Context, t *task) error {
	var timeoutCh <-chan time.Time
	if *c.options.ShutdownGracePeriod > 0 {
		timer := time.NewTimer(*c.options.ShutdownGracePeriod)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-t.done:
		if t.err == nil || isCancellation(t.err) {
			return nil
		}
		return t.err
	case <-timeoutCh:
		return errors.Errorf(
			"timed out after %s waiting for consumer task to stop",
			*c.options.ShutdownGracePeriod,
		)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "gave up waiting for consumer task to stop")
	}
}

// consume drives a single stream from the backend until it ends, fails, or
// ctx is canceled.
func (c *Consumer) consume(
	ctx context.Context,
	handler messaging.HandlerFn,
) (err error) {
	stream, err := c.backend.Consume(ctx, c.options.Group)
	if err != nil {
		return errors.Wrapf(
			err,
			"error opening message stream%s",
			c.describeGroup(),
		)
	}

	defer func() {
		// ctx may already be canceled, so closing gets a context of its own
		closeCtx, cancel :=
			context.WithTimeout(context.Background(), *c.options.StreamCloseTimeout)
		defer cancel()
		closeErr := stream.Close(closeCtx)
		if closeErr == nil {
			return
		}
		closeErr = errors.Wrap(closeErr, "error closing message stream")
		if err == nil || isCancellation(err) {
			err = closeErr
			return
		}
		c.logger.Errorf("%s", closeErr)
	}()

	for {
		// Don't pull another message once we've been asked to stop
		if ctx.Err() != nil {
			return ctx.Err()
		}
		message, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, messaging.ErrEndOfStream) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "error receiving message")
		}
		// A message that arrives after cancellation is left to the backend
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.dispatch(ctx, handler, message); err != nil {
			return err
		}
		if err := c.ack(stream, message); err != nil {
			return err
		}
	}
}

// dispatch invokes the handler for a single message. Handler failures,
// including panics, are logged and swallowed and the message counts as
// handled. Only a cancellation returned by the handler is returned, in which
// case the message is left unacknowledged.
func (c *Consumer) dispatch(
	ctx context.Context,
	handler messaging.HandlerFn,
	message messaging.Message,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf(
				"error processing message %s: handler panicked: %v",
				message,
				r,
			)
			err = nil
		}
	}()
	if err := handler(ctx, message); err != nil {
		if isCancellation(err) {
			return err
		}
		c.logger.Errorf("error processing message %s: %s", message, err)
	}
	return nil
}

// ack acknowledges a message the handler is done with. The message counts as
// handled even if ctx was canceled while the handler ran, so acknowledgement
// gets a context of its own.
func (c *Consumer) ack(
	stream messaging.Stream,
	message messaging.Message,
) error {
	ctx, cancel :=
		context.WithTimeout(context.Background(), *c.options.StreamCloseTimeout)
	defer cancel()
	return errors.Wrapf(
		stream.Ack(ctx),
		"error acknowledging message %s",
		message,
	)
}

func (c *Consumer) describeGroup() string {
	if c.options.Group == "" {
		return ""
	}
	return " for group " + `"` + c.options.Group + `"`
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
