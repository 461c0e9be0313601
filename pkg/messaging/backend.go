package messaging

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// ErrEndOfStream is returned by Stream.Next when a stream has no more messages
// and never will.
var ErrEndOfStream = io.EOF

// ErrStreamClosed is returned by Stream.Next after the stream has been closed.
var ErrStreamClosed = errors.New("stream is closed")

// Backend is an interface for components that provide message transport for a
// specific technology. Implementations must be safe for concurrent use; a
// single Backend may be shared by many consumers.
type Backend interface {
	// Publish publishes the payload under the specified key.
	Publish(ctx context.Context, key Key, payload Payload) error
	// Consume opens a stream of messages. If group is non-empty, the consumer
	// joins the named consumer group. Backends that don't support groups ignore
	// it.
	Consume(ctx context.Context, group string) (Stream, error)
	// Close releases the backend's connections.
	Close(context.Context) error
}

// Stream is a lazy and usually non-terminating sequence of messages returned
// by Backend.Consume. A Stream is used by a single goroutine.
type Stream interface {
	// Next blocks until a message is available, the stream ends, or ctx is
	// canceled. At the end of a finite stream it returns ErrEndOfStream.
	// Calling Next signals that the previously returned message has been
	// handled.
	Next(ctx context.Context) (Message, error)
	// Ack acknowledges the message most recently returned by Next. It does
	// nothing if that message was already acknowledged or if Next has not
	// returned a message yet. A message that is never acknowledged may be
	// delivered again once the stream is closed.
	Ack(ctx context.Context) error
	// Close releases the stream's resources.
	Close(context.Context) error
}
