package amqp

import (
	"context"

	amqp "github.com/Azure/go-amqp"
	"github.com/krancour/abe/internal/logging"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
)

// receiver is the subset of *amqp.Receiver used by streams.
type receiver interface {
	Receive(ctx context.Context) (*amqp.Message, error)
	Close(ctx context.Context) error
}

// stream is an AMQP 1.0 implementation of the messaging.Stream interface.
type stream struct {
	queueName string
	session   *amqp.Session
	receiver  receiver
	logger    logging.Logger
	// unacked is the last message returned by Next. It is accepted when the
	// next message is requested.
	unacked *amqp.Message
	closed  bool

	// All of the following behaviors can be overridden for testing purposes
	accept       func(*amqp.Message) error
	reject       func(*amqp.Message) error
	release      func(*amqp.Message) error
	closeSession func(context.Context) error
}

func newStream(
	queueName string,
	session *amqp.Session,
	r receiver,
	logger logging.Logger,
) *stream {
	s := &stream{
		queueName: queueName,
		session:   session,
		receiver:  r,
		logger:    logger,
		accept: func(msg *amqp.Message) error {
			return msg.Accept()
		},
		reject: func(msg *amqp.Message) error {
			return msg.Reject(nil)
		},
		release: func(msg *amqp.Message) error {
			return msg.Release()
		},
	}
	s.closeSession = func(ctx context.Context) error {
		return s.session.Close(ctx)
	}
	return s
}

func (s *stream) Next(ctx context.Context) (messaging.Message, error) {
	if s.closed {
		return nil, messaging.ErrStreamClosed
	}
	if err := s.ack(); err != nil {
		return nil, err
	}
	for {
		amqpMsg, err := s.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrapf(
				err,
				"error receiving message from queue %q",
				s.queueName,
			)
		}
		message, err := messaging.NewMessageFromJSON(amqpMsg.GetData())
		if err != nil {
			s.logger.Warningf(
				"rejecting malformed message from queue %q: %s",
				s.queueName,
				err,
			)
			if err := s.reject(amqpMsg); err != nil {
				return nil, errors.Wrapf(
					err,
					"error rejecting malformed message from queue %q",
					s.queueName,
				)
			}
			continue
		}
		s.unacked = amqpMsg
		return message, nil
	}
}

func (s *stream) Ack(context.Context) error {
	if s.closed {
		return messaging.ErrStreamClosed
	}
	return s.ack()
}

// ack accepts the last message returned by Next.
func (s *stream) ack() error {
	if s.unacked == nil {
		return nil
	}
	if err := s.accept(s.unacked); err != nil {
		return errors.Wrapf(
			err,
			"error accepting message from queue %q",
			s.queueName,
		)
	}
	s.unacked = nil
	return nil
}

// Close releases any message returned by Next but never acknowledged so the
// broker may redeliver it, then closes the receiver and its session.
func (s *stream) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	var releaseErr error
	if s.unacked != nil {
		releaseErr = s.release(s.unacked)
		s.unacked = nil
	}
	if err := s.receiver.Close(ctx); err != nil {
		return errors.Wrapf(
			err,
			"error closing receiver for queue %q",
			s.queueName,
		)
	}
	if err := s.closeSession(ctx); err != nil {
		return errors.Wrapf(
			err,
			"error closing session for queue %q",
			s.queueName,
		)
	}
	return errors.Wrapf(
		releaseErr,
		"error releasing message from queue %q",
		s.queueName,
	)
}
