package messaging

import "context"

// Consumer is an interface for any component that can consume messages from
// a backend and handle them using a user-specified handler function.
type Consumer interface {
	// Run starts consuming in the background and returns without waiting for
	// consumption to finish. If the consumer is already running, Run does
	// nothing.
	Run(context.Context, HandlerFn)
	// Shutdown stops the consumer and waits for it to finish. It never fails;
	// problems encountered while stopping are logged. It is safe to call on a
	// consumer that isn't running.
	Shutdown(context.Context)
}
