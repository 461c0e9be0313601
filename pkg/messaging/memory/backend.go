package memory

import (
	"context"
	"sync"

	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
)

// BackendName is the name the in-memory backend is registered under.
const BackendName = "memory"

func init() {
	messaging.RegisterBackend(
		BackendName,
		func() (messaging.Backend, error) {
			return NewBackend(), nil
		},
	)
}

// backend is an in-process implementation of the messaging.Backend interface.
// Every published message is delivered to exactly one open stream. Keys and
// groups are ignored.
type backend struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
	// changedCh is closed and replaced whenever the queue grows or the backend
	// is closed.
	changedCh chan struct{}
}

// NewBackend returns a new in-process implementation of the messaging.Backend
// interface. It is suitable for tests and for single-process deployments.
func NewBackend() messaging.Backend {
	return &backend{
		changedCh: make(chan struct{}),
	}
}

func (b *backend) Publish(
	_ context.Context,
	key messaging.Key,
	payload messaging.Payload,
) error {
	message := messaging.NewEnvelope(key, payload)
	messageJSON, err := message.ToJSON()
	if err != nil {
		return errors.Wrapf(err, "error encoding message %q", message.ID())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.Errorf(
			"error publishing message %q: backend is closed",
			message.ID(),
		)
	}
	b.queue = append(b.queue, messageJSON)
	b.notify()
	return nil
}

func (b *backend) Consume(context.Context, string) (messaging.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("error opening message stream: backend is closed")
	}
	return &stream{backend: b}, nil
}

// Close ends all open streams. Messages not yet delivered are discarded.
func (b *backend) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.queue = nil
		b.notify()
	}
	return nil
}

// notify wakes every stream waiting on the backend. b.mu must be held.
func (b *backend) notify() {
	close(b.changedCh)
	b.changedCh = make(chan struct{})
}

type stream struct {
	backend *backend
	closed  bool
}

func (s *stream) Next(ctx context.Context) (messaging.Message, error) {
	for {
		b := s.backend
		b.mu.Lock()
		if s.closed {
			b.mu.Unlock()
			return nil, messaging.ErrStreamClosed
		}
		if b.closed {
			b.mu.Unlock()
			return nil, messaging.ErrEndOfStream
		}
		if len(b.queue) > 0 {
			messageJSON := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return messaging.NewMessageFromJSON(messageJSON)
		}
		changedCh := b.changedCh
		b.mu.Unlock()
		select {
		case <-changedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack does nothing. Messages leave the queue as soon as they are received.
func (s *stream) Ack(context.Context) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.closed {
		return messaging.ErrStreamClosed
	}
	return nil
}

func (s *stream) Close(context.Context) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.closed = true
	return nil
}
