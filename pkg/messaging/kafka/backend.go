package kafka

import (
	"context"
	"io"
	"time"

	"github.com/krancour/abe/internal/logging"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// BackendName is the name the Kafka backend is registered under.
const BackendName = "kafka"

func init() {
	messaging.RegisterBackend(BackendName, newBackendFromEnvironment)
}

// BackendOptions represents configuration options for the Kafka backend.
type BackendOptions struct {
	// Brokers lists the addresses of the Kafka brokers to bootstrap from.
	Brokers []string
	// Topic names the topic streams consume from. Default: "abe"
	Topic string
	// StartOffset is where a stream with no group, or a group with no
	// committed offset, begins reading. Default: kafka.FirstOffset
	StartOffset int64
	// MaxWait bounds how long the reader waits for a batch of messages.
	// Min: 100 milliseconds
	// Max: 1 minute
	// Default: 10 seconds
	MaxWait *time.Duration
	// Logger receives the backend's log entries.
	Logger logging.Logger
}

func (b *BackendOptions) applyDefaults() {
	if b.Topic == "" {
		b.Topic = "abe"
	}
	if b.StartOffset == 0 {
		b.StartOffset = kafka.FirstOffset
	}
	minMaxWait := 100 * time.Millisecond
	maxMaxWait := time.Minute
	defaultMaxWait := 10 * time.Second
	if b.MaxWait == nil {
		b.MaxWait = &defaultMaxWait
	} else if *b.MaxWait < minMaxWait {
		b.MaxWait = &minMaxWait
	} else if *b.MaxWait > maxMaxWait {
		b.MaxWait = &maxMaxWait
	}
	if b.Logger == nil {
		b.Logger = logging.New("kafka backend")
	}
}

// messageReader is the subset of *kafka.Reader used by streams.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer used by the backend.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// backend is a Kafka-based implementation of the messaging.Backend interface.
// Keys are topics. Consumer groups map directly onto Kafka consumer groups.
type backend struct {
	options BackendOptions
	writer  messageWriter

	// This behavior can be overridden for testing purposes
	newReader func(group string) messageReader
}

// NewBackend returns a new Kafka-based implementation of the messaging.Backend
// interface.
func NewBackend(options *BackendOptions) messaging.Backend {
	if options == nil {
		options = &BackendOptions{}
	}
	opts := *options
	opts.applyDefaults()
	b := &backend{
		options: opts,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireAll,
		},
	}
	b.newReader = b.defaultNewReader
	return b
}

// defaultNewReader returns a reader for the configured topic. Without a group,
// the reader is bound to partition 0.
func (b *backend) defaultNewReader(group string) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.options.Brokers,
		Topic:       b.options.Topic,
		GroupID:     group,
		StartOffset: b.options.StartOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     *b.options.MaxWait,
	})
}

func (b *backend) Publish(
	ctx context.Context,
	key messaging.Key,
	payload messaging.Payload,
) error {
	message := messaging.NewEnvelope(key, payload)
	messageJSON, err := message.ToJSON()
	if err != nil {
		return errors.Wrapf(err, "error encoding message %q", message.ID())
	}
	if err := b.writer.WriteMessages(
		ctx,
		kafka.Message{
			Topic: string(key),
			Key:   []byte(message.ID()),
			Value: messageJSON,
		},
	); err != nil {
		return errors.Wrapf(
			err,
			"error publishing message %q to topic %q",
			message.ID(),
			key,
		)
	}
	return nil
}

func (b *backend) Consume(
	_ context.Context,
	group string,
) (messaging.Stream, error) {
	return &stream{
		reader: b.newReader(group),
		topic:  b.options.Topic,
		group:  group,
		logger: b.options.Logger,
	}, nil
}

func (b *backend) Close(context.Context) error {
	return errors.Wrap(b.writer.Close(), "error closing kafka writer")
}

// stream is a Kafka-based implementation of the messaging.Stream interface.
type stream struct {
	reader messageReader
	topic  string
	group  string
	logger logging.Logger
	// unacked is the last message returned by Next. Its offset is committed
	// when the next message is requested.
	unacked *kafka.Message
	closed  bool
}

func (s *stream) Next(ctx context.Context) (messaging.Message, error) {
	if s.closed {
		return nil, messaging.ErrStreamClosed
	}
	if err := s.ack(ctx); err != nil {
		return nil, err
	}
	for {
		kafkaMsg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if err == io.EOF {
				return nil, messaging.ErrEndOfStream
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrapf(
				err,
				"error fetching message from topic %q",
				s.topic,
			)
		}
		message, err := messaging.NewMessageFromJSON(kafkaMsg.Value)
		if err != nil {
			s.logger.Warningf(
				"discarded malformed message at offset %d of topic %q partition "+
					"%d: %s",
				kafkaMsg.Offset,
				s.topic,
				kafkaMsg.Partition,
				err,
			)
			s.unacked = &kafkaMsg
			if err := s.ack(ctx); err != nil {
				return nil, err
			}
			continue
		}
		s.unacked = &kafkaMsg
		return message, nil
	}
}

func (s *stream) Ack(ctx context.Context) error {
	if s.closed {
		return messaging.ErrStreamClosed
	}
	return s.ack(ctx)
}

// ack commits the offset of the last message returned by Next. Offsets can
// only be committed by members of a consumer group.
func (s *stream) ack(ctx context.Context) error {
	if s.unacked == nil {
		return nil
	}
	if s.group != "" {
		if err := s.reader.CommitMessages(ctx, *s.unacked); err != nil {
			return errors.Wrapf(
				err,
				"error committing offset %d of topic %q partition %d for group %q",
				s.unacked.Offset,
				s.topic,
				s.unacked.Partition,
				s.group,
			)
		}
	}
	s.unacked = nil
	return nil
}

// Close closes the reader. The offset of a message returned by Next but never
// acknowledged is not committed, so the group will see it again.
func (s *stream) Close(context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Wrapf(
		s.reader.Close(),
		"error closing reader for topic %q",
		s.topic,
	)
}
