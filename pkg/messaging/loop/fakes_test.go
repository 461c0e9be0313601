package loop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krancour/abe/pkg/messaging"
)

// step is one scripted outcome of a call to fakeStream.Next.
type step struct {
	msg   messaging.Message
	err   error
	delay time.Duration
	// deaf steps sleep through cancellation
	deaf bool
}

type fakeStream struct {
	mu       sync.Mutex
	steps    []step
	closeErr error
	ackErr   error
	closed   int32
	// events records "next", "ack" and "close" calls in order.
	events []string
	// unacked is the last message Next returned, until it is acknowledged.
	unacked messaging.Message
	acked   []messaging.Message
}

func newFakeStream(steps ...step) *fakeStream {
	return &fakeStream{steps: steps}
}

func (f *fakeStream) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeStream) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeStream) Next(ctx context.Context) (messaging.Message, error) {
	f.record("next")
	f.mu.Lock()
	// Asking for the next message acknowledges the previous one
	if f.unacked != nil {
		f.acked = append(f.acked, f.unacked)
		f.unacked = nil
	}
	if len(f.steps) == 0 {
		f.mu.Unlock()
		return nil, messaging.ErrEndOfStream
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	f.mu.Unlock()
	if s.delay > 0 {
		if s.deaf {
			time.Sleep(s.delay)
		} else {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	f.mu.Lock()
	f.unacked = s.msg
	f.mu.Unlock()
	return s.msg, nil
}

func (f *fakeStream) Ack(context.Context) error {
	f.record("ack")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	if f.unacked != nil {
		f.acked = append(f.acked, f.unacked)
		f.unacked = nil
	}
	return nil
}

func (f *fakeStream) Close(context.Context) error {
	f.record("close")
	atomic.StoreInt32(&f.closed, 1)
	return f.closeErr
}

// outstanding returns the message that was delivered but never acknowledged,
// if any, along with everything that was acknowledged.
func (f *fakeStream) outstanding() (messaging.Message, []messaging.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unacked, append([]messaging.Message(nil), f.acked...)
}

func (f *fakeStream) isClosed() bool {
	return atomic.LoadInt32(&f.closed) == 1
}

// fakeBackend hands out its streams in order, one per call to Consume.
type fakeBackend struct {
	mu         sync.Mutex
	streams    []*fakeStream
	consumeErr error
	groups     []string
}

func (f *fakeBackend) Publish(context.Context, messaging.Key, messaging.Payload) error {
	return nil
}

func (f *fakeBackend) Consume(
	_ context.Context,
	group string,
) (messaging.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, group)
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	if len(f.streams) == 0 {
		return newFakeStream(), nil
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeBackend) Close(context.Context) error {
	return nil
}

func (f *fakeBackend) consumedGroups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.groups...)
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingLogger) record(level, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, level+": "+fmt.Sprintf(format, args...))
}

func (r *recordingLogger) Debugf(format string, args ...interface{}) {
	r.record("DEBUG", format, args...)
}

func (r *recordingLogger) Infof(format string, args ...interface{}) {
	r.record("INFO", format, args...)
}

func (r *recordingLogger) Warningf(format string, args ...interface{}) {
	r.record("WARNING", format, args...)
}

func (r *recordingLogger) Errorf(format string, args ...interface{}) {
	r.record("ERROR", format, args...)
}

func (r *recordingLogger) contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if strings.Contains(entry, substr) {
			return true
		}
	}
	return false
}

func (r *recordingLogger) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.entries, "\n")
}

// recorder is a handler that remembers what it was given.
type recorder struct {
	mu       sync.Mutex
	messages []messaging.Message
	fn       func(messaging.Message) error
}

func (r *recorder) handle(_ context.Context, msg messaging.Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return nil
}

func (r *recorder) received() []messaging.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messaging.Message(nil), r.messages...)
}
