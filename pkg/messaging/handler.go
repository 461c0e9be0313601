package messaging

import "context"

// HandlerFn is the signature for functions that consumers can call to
// handle a message. The context is canceled when the consumer shuts down;
// handlers that return an error wrapping context.Canceled stop the consumer's
// stream rather than being treated as a failure to handle the message.
type HandlerFn func(context.Context, Message) error
