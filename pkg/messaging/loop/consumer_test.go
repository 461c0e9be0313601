package loop

import (
	"context"
	"testing"
	"time"

	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func msg(id int) messaging.Message {
	return messaging.Message{"id": id}
}

func newTestConsumer(
	backend messaging.Backend,
	opts *ConsumerOptions,
) (*Consumer, *recordingLogger) {
	logger := &recordingLogger{}
	if opts == nil {
		opts = &ConsumerOptions{}
	}
	opts.Logger = logger
	return NewConsumer(backend, opts), logger
}

func waitUntilIdle(t *testing.T, c *Consumer) {
	require.Eventually(
		t,
		func() bool { return c.State() == StateIdle },
		waitFor,
		tick,
	)
}

// waitUntilReceiving waits for the consumer to block on the stream.
func waitUntilReceiving(t *testing.T, stream *fakeStream) {
	require.Eventually(
		t,
		func() bool { return len(stream.history()) > 0 },
		waitFor,
		tick,
	)
}

func TestNewConsumer(t *testing.T) {
	c := NewConsumer(&fakeBackend{}, nil)
	require.NotNil(t, c.logger)
	require.Equal(t, 10*time.Second, *c.options.ShutdownGracePeriod)
	require.Equal(t, 5*time.Second, *c.options.StreamCloseTimeout)
	require.Equal(t, StateIdle, c.State())
	require.False(t, c.Running())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "active", StateActive.String())
	require.Equal(t, "unknown", State(7).String())
}

func TestConsumerDispatchesInOrder(t *testing.T) {
	stream := newFakeStream(step{msg: msg(1)}, step{msg: msg(2)}, step{msg: msg(3)})
	c, logger := newTestConsumer(&fakeBackend{streams: []*fakeStream{stream}}, nil)
	r := &recorder{}

	c.Run(context.Background(), r.handle)
	waitUntilIdle(t, c)

	require.Equal(t, []messaging.Message{msg(1), msg(2), msg(3)}, r.received())
	require.True(t, stream.isClosed())
	require.True(t, logger.contains("consumer task finished"), logger.String())
	unacked, acked := stream.outstanding()
	require.Nil(t, unacked)
	require.Equal(t, []messaging.Message{msg(1), msg(2), msg(3)}, acked)
}

func TestConsumerRunIsNonBlocking(t *testing.T) {
	stream := newFakeStream(step{msg: msg(1), delay: time.Hour})
	c, _ := newTestConsumer(&fakeBackend{streams: []*fakeStream{stream}}, nil)
	r := &recorder{}

	start := time.Now()
	c.Run(context.Background(), r.handle)
	require.True(t, time.Since(start) < time.Second)
	require.Equal(t, StateActive, c.State())

	c.Shutdown(context.Background())
	require.Equal(t, StateIdle, c.State())
	require.Empty(t, r.received())
}

func TestConsumerIsolatesHandlerFailures(t *testing.T) {
	testCases := []struct {
		name        string
		fn          func(messaging.Message) error
		expectedLog string
	}{
		{
			name: "handler returns error",
			fn: func(m messaging.Message) error {
				if m["id"] == 2 {
					return errors.New("boom")
				}
				return nil
			},
			expectedLog: "error processing message map[id:2]: boom",
		},
		{
			name: "handler panics",
			fn: func(m messaging.Message) error {
				if m["id"] == 2 {
					panic("kaboom")
				}
				return nil
			},
			expectedLog: "handler panicked: kaboom",
		},
		{
			name: "handler returns deadline exceeded",
			fn: func(m messaging.Message) error {
				if m["id"] == 2 {
					return errors.Wrap(context.DeadlineExceeded, "slow downstream")
				}
				return nil
			},
			expectedLog: "slow downstream: context deadline exceeded",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			stream :=
				newFakeStream(step{msg: msg(1)}, step{msg: msg(2)}, step{msg: msg(3)})
			c, logger :=
				newTestConsumer(&fakeBackend{streams: []*fakeStream{stream}}, nil)
			r := &recorder{fn: testCase.fn}

			c.Run(context.Background(), r.handle)
			waitUntilIdle(t, c)

			require.Equal(
				t,
				[]messaging.Message{msg(1), msg(2), msg(3)},
				r.received(),
			)
			require.True(t, logger.contains(testCase.expectedLog), logger.String())
			require.True(t, logger.contains("consumer task finished"), logger.String())
		})
	}
}

func TestConsumerHandlerCancellationStopsTask(t *testing.T) {
	stream := newFakeStream(step{msg: msg(1)}, step{msg: msg(2)}, step{msg: msg(3)})
	c, logger := newTestConsumer(&fakeBackend{streams: []*fakeStream{stream}}, nil)
	r := &recorder{
		fn: func(m messaging.Message) error {
			if m["id"] == 2 {
				return errors.Wrap(context.Canceled, "giving up")
			}
			return nil
		},
	}

	c.Run(context.Background(), r.handle)
	waitUntilIdle(t, c)

	require.Equal(t, []messaging.Message{msg(1), msg(2)}, r.received())
	require.True(t, stream.isClosed())
	require.False(t, logger.contains("error processing message"), logger.String())
	require.True(t, logger.contains("task was canceled"), logger.String())
}

func TestConsumerPassesGroupToBackend(t *testing.T) {
	backend := &fakeBackend{}
	c, _ := newTestConsumer(backend, &ConsumerOptions{Group: "workers"})
	require.Equal(t, "workers", c.Group())

	c.Run(context.Background(), (&recorder{}).handle)
	waitUntilIdle(t, c)

	require.Equal(t, []string{"workers"}, backend.consumedGroups())
}

func TestConsumerRunWhileActiveIsNoOp(t *testing.T) {
	stream := newFakeStream(step{msg: msg(1)}, step{msg: msg(2), delay: time.Hour})
	backend := &fakeBackend{streams: []*fakeStream{stream}}
	c, logger := newTestConsumer(backend, nil)
	first := &recorder{}
	second := &recorder{}

	c.Run(context.Background(), first.handle)
	require.Eventually(
		t,
		func() bool { return len(first.received()) == 1 },
		waitFor,
		tick,
	)
	c.Run(context.Background(), second.handle)

	require.Equal(t, StateActive, c.State())
	require.True(t, logger.contains("WARNING: consumer is already running"))
	require.Len(t, backend.consumedGroups(), 1)

	c.Shutdown(context.Background())
	require.Empty(t, second.received())
}

func TestConsumerRunWithoutHandler(t *testing.T) {
	backend := &fakeBackend{}
	c, logger := newTestConsumer(backend, nil)
	c.Run(context.Background(), nil)
	require.Equal(t, StateIdle, c.State())
	require.Empty(t, backend.consumedGroups())
	require.True(t, logger.contains("without a handler"))
}

func TestConsumerShutdownWhenIdle(t *testing.T) {
	c, logger := newTestConsumer(&fakeBackend{}, nil)
	c.Shutdown(context.Background())
	c.Shutdown(context.Background())
	require.Equal(t, StateIdle, c.State())
	require.False(t, logger.contains("shutting down"))
}

func TestConsumerShutdownCancelsInFlightWait(t *testing.T) {
	stream := newFakeStream(
		step{msg: msg(1)},
		step{msg: msg(2), delay: time.Second},
	)
	c, logger := newTestConsumer(&fakeBackend{streams: []*fakeStream{stream}}, nil)
	r := &recorder{}

	c.Run(context.Background(), r.handle)
	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	c.Shutdown(context.Background())

	require.True(t, time.Since(start) < 500*time.Millisecond)
	require.Equal(t, StateIdle, c.State())
	require.True(t, stream.isClosed())
	require.True(t, logger.contains("cancelling consumer task"), logger.String())
	require.True(
		t,
		logger.contains("consumer task cancelled successfully"),
		logger.String(),
	)
	require.True(t, logger.contains("consumer shutdown complete"))

	// Give the abandoned delay a chance to elapse; nothing more arrives.
	time.Sleep(time.Second)
	require.Equal(t, []messaging.Message{msg(1)}, r.received())
}

func TestConsumerShutdownAfterCompletion(t *testing.T) {
	c, logger := newTestConsumer(&fakeBackend{}, nil)
	c.Run(context.Background(), (&recorder{}).handle)
	waitUntilIdle(t, c)

	c.Shutdown(context.Background())

	require.Equal(t, StateIdle, c.State())
	require.True(
		t,
		logger.contains("consumer task was already completed"),
		logger.String(),
	)
	require.False(t, logger.contains("cancelling consumer task"))
	require.True(t, logger.contains("consumer shutdown complete"))
}

func TestConsumerShutdownWithCleanupError(t *testing.T) {
	stream := newFakeStream(step{msg: msg(1), delay: time.Hour})
	stream.closeErr = errors.New("connection reset")
	c, logger := newTestConsumer(&fakeBackend{streams: []*fakeStream{stream}}, nil)

	c.Run(context.Background(), (&recorder{}).handle)
	c.Shutdown(context.Background())

	require.Equal(t, StateIdle, c.State())
	require.True(
		t,
		logger.contains(
			"unexpected error during consumer shutdown: error closing message "+
				"stream: connection reset",
		),
		logger.String(),
	)
	require.False(t, logger.contains("cancelled successfully"))
	require.True(t, logger.contains("consumer shutdown complete"))
}

func TestConsumerShutdownTimesOut(t *testing.T) {
	stream := newFakeStream(step{msg: msg(1), delay: time.Second, deaf: true})
	grace := 50 * time.Millisecond
	c, logger := newTestConsumer(
		&fakeBackend{streams: []*fakeStream{stream}},
		&ConsumerOptions{ShutdownGracePeriod: &grace},
	)
	r := &recorder{}

	c.Run(context.Background(), r.handle)
	waitUntilReceiving(t, stream)
	start := time.Now()
	c.Shutdown(context.Background())

	require.True(t, time.Since(start) < 500*time.Millisecond)
	require.Equal(t, StateIdle, c.State())
	require.True(
		t,
		logger.contains("unexpected error during consumer shutdown: timed out"),
		logger.String(),
	)

	// The abandoned task notices cancellation as soon as the stream returns and
	// never hands the message to the handler.
	require.Eventually(t, stream.isClosed, waitFor, tick)
	require.Empty(t, r.received())
	unacked, acked := stream.outstanding()
	require.Equal(t, msg(1), unacked)
	require.Empty(t, acked)
}

func TestConsumerWaitsForAbandonedTask(t *testing.T) {
	first := newFakeStream(step{msg: msg(1), delay: 300 * time.Millisecond, deaf: true})
	second := newFakeStream(step{msg: msg(2)})
	backend := &fakeBackend{streams: []*fakeStream{first, second}}
	grace := 20 * time.Millisecond
	c, logger := newTestConsumer(
		backend,
		&ConsumerOptions{ShutdownGracePeriod: &grace},
	)
	r := &recorder{}

	c.Run(context.Background(), r.handle)
	waitUntilReceiving(t, first)
	c.Shutdown(context.Background())
	require.True(
		t,
		logger.contains("unexpected error during consumer shutdown: timed out"),
		logger.String(),
	)
	require.Equal(t, StateIdle, c.State())

	// The first task hasn't let go of its stream, so no second one starts
	c.Run(context.Background(), r.handle)
	require.False(t, first.isClosed())
	require.Len(t, backend.consumedGroups(), 1)
	require.Equal(t, StateIdle, c.State())
	require.True(
		t,
		logger.contains("previous task for consumer is still stopping"),
		logger.String(),
	)

	require.Eventually(
		t,
		func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.abandoned.finished()
		},
		waitFor,
		tick,
	)
	require.True(t, first.isClosed())

	c.Run(context.Background(), r.handle)
	waitUntilIdle(t, c)
	require.Len(t, backend.consumedGroups(), 2)
	require.Equal(t, []messaging.Message{msg(2)}, r.received())
}

func TestConsumerAcknowledgesMessageHandledDuringShutdown(t *testing.T) {
	stream := newFakeStream(step{msg: msg(1)}, step{msg: msg(2), delay: time.Hour})
	c, logger := newTestConsumer(&fakeBackend{streams: []*fakeStream{stream}}, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	r := &recorder{
		fn: func(messaging.Message) error {
			close(started)
			<-release
			return nil
		},
	}

	c.Run(context.Background(), r.handle)
	<-started
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		c.Shutdown(context.Background())
	}()
	require.Eventually(
		t,
		func() bool { return logger.contains("cancelling consumer task") },
		waitFor,
		tick,
	)
	close(release)
	<-shutdownDone

	unacked, acked := stream.outstanding()
	require.Nil(t, unacked)
	require.Equal(t, []messaging.Message{msg(1)}, acked)
	// Acknowledged before the stream was closed, without asking for more
	require.Equal(t, []string{"next", "ack", "close"}, stream.history())
	require.Equal(t, []messaging.Message{msg(1)}, r.received())
}

func TestConsumerLeavesCanceledMessageUnacknowledged(t *testing.T) {
	stream := newFakeStream(step{msg: msg(1)}, step{msg: msg(2)})
	c, _ := newTestConsumer(&fakeBackend{streams: []*fakeStream{stream}}, nil)
	r := &recorder{
		fn: func(messaging.Message) error {
			return errors.Wrap(context.Canceled, "interrupted")
		},
	}

	c.Run(context.Background(), r.handle)
	waitUntilIdle(t, c)

	unacked, acked := stream.outstanding()
	require.Equal(t, msg(1), unacked)
	require.Empty(t, acked)
	require.Equal(t, []string{"next", "close"}, stream.history())
}

func TestConsumerStopsWhenAckFails(t *testing.T) {
	stream := newFakeStream(step{msg: msg(1)}, step{msg: msg(2)})
	stream.ackErr = errors.New("link detached")
	c, logger := newTestConsumer(&fakeBackend{streams: []*fakeStream{stream}}, nil)
	r := &recorder{}

	c.Run(context.Background(), r.handle)
	waitUntilIdle(t, c)

	require.Equal(t, []messaging.Message{msg(1)}, r.received())
	require.True(
		t,
		logger.contains("error acknowledging message map[id:1]: link detached"),
		logger.String(),
	)
	require.True(t, stream.isClosed())
}

func TestConsumerShutdownContextBoundsWait(t *testing.T) {
	stream := newFakeStream(step{msg: msg(1), delay: time.Second, deaf: true})
	c, logger := newTestConsumer(&fakeBackend{streams: []*fakeStream{stream}}, nil)

	c.Run(context.Background(), (&recorder{}).handle)
	waitUntilReceiving(t, stream)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Shutdown(ctx)

	require.Equal(t, StateIdle, c.State())
	require.True(
		t,
		logger.contains("gave up waiting for consumer task to stop"),
		logger.String(),
	)
}

func TestConsumerRestartsAfterNaturalCompletion(t *testing.T) {
	backend := &fakeBackend{
		streams: []*fakeStream{
			newFakeStream(step{msg: msg(1)}),
			newFakeStream(step{msg: msg(2)}),
		},
	}
	c, _ := newTestConsumer(backend, nil)
	r := &recorder{}

	c.Run(context.Background(), r.handle)
	waitUntilIdle(t, c)
	c.Run(context.Background(), r.handle)
	waitUntilIdle(t, c)

	require.Equal(t, []messaging.Message{msg(1), msg(2)}, r.received())
	require.Len(t, backend.consumedGroups(), 2)
}

func TestConsumerRestartsAfterShutdown(t *testing.T) {
	backend := &fakeBackend{
		streams: []*fakeStream{
			newFakeStream(step{msg: msg(1)}, step{msg: msg(2), delay: time.Hour}),
			newFakeStream(step{msg: msg(3)}),
		},
	}
	c, _ := newTestConsumer(backend, nil)
	r := &recorder{}

	c.Run(context.Background(), r.handle)
	require.Eventually(
		t,
		func() bool { return len(r.received()) == 1 },
		waitFor,
		tick,
	)
	c.Shutdown(context.Background())
	c.Run(context.Background(), r.handle)
	waitUntilIdle(t, c)

	require.Equal(t, []messaging.Message{msg(1), msg(3)}, r.received())
}

func TestConsumerStopsWhenParentContextCanceled(t *testing.T) {
	stream := newFakeStream(step{msg: msg(1), delay: time.Hour})
	c, logger := newTestConsumer(&fakeBackend{streams: []*fakeStream{stream}}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	c.Run(ctx, (&recorder{}).handle)
	require.Equal(t, StateActive, c.State())
	cancel()
	waitUntilIdle(t, c)

	require.True(t, stream.isClosed())
	require.True(t, logger.contains("task was canceled"), logger.String())
}

func TestConsumerStreamErrors(t *testing.T) {
	testCases := []struct {
		name        string
		backend     *fakeBackend
		expectedLog string
	}{
		{
			name:        "stream cannot be opened",
			backend:     &fakeBackend{consumeErr: errors.New("no route to host")},
			expectedLog: "error opening message stream: no route to host",
		},
		{
			name: "stream fails",
			backend: &fakeBackend{
				streams: []*fakeStream{
					newFakeStream(
						step{msg: msg(1)},
						step{err: errors.New("broken pipe")},
					),
				},
			},
			expectedLog: "error receiving message: broken pipe",
		},
		{
			name: "stream fails to close after ending",
			backend: &fakeBackend{
				streams: []*fakeStream{
					{closeErr: errors.New("already gone")},
				},
			},
			expectedLog: "error closing message stream: already gone",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			c, logger := newTestConsumer(testCase.backend, nil)
			c.Run(context.Background(), (&recorder{}).handle)
			waitUntilIdle(t, c)
			require.True(t, logger.contains(testCase.expectedLog), logger.String())
			require.True(t, logger.contains("ERROR: consumer task stopped"))

			c.Shutdown(context.Background())
			require.True(
				t,
				logger.contains("WARNING: consumer task had stopped with error"),
				logger.String(),
			)
		})
	}
}
