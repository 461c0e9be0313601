package mongodb

import (
	"context"
	"time"

	"github.com/krancour/abe/internal/logging"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// BackendName is the name the MongoDB backend is registered under.
const BackendName = "mongodb"

const mongodbTimeout = 10 * time.Second

func init() {
	messaging.RegisterBackend(BackendName, newBackendFromEnvironment)
}

// BackendOptions represents configuration options for the MongoDB backend.
type BackendOptions struct {
	// Collection names the collection messages are stored in.
	// Default: "messages"
	Collection string
	// Queue names the key streams consume from. Default: "abe"
	Queue string
	// PollInterval specifies the interval to pause before the next attempt to
	// claim a message if and only if the previous attempt found nothing.
	// Min: 100 milliseconds
	// Max: 1 minute
	// Default: 1 second
	PollInterval *time.Duration
	// MessageTTL, if non-zero, is how long stored messages are retained before
	// MongoDB expires them, claimed or not.
	// Min: 0
	// Max: none
	// Default: 0
	MessageTTL *time.Duration
	// Logger receives the backend's log entries.
	Logger logging.Logger
}

func (b *BackendOptions) applyDefaults() {
	if b.Collection == "" {
		b.Collection = "messages"
	}
	if b.Queue == "" {
		b.Queue = "abe"
	}

	minPollInterval := 100 * time.Millisecond
	maxPollInterval := time.Minute
	defaultPollInterval := time.Second
	if b.PollInterval == nil {
		b.PollInterval = &defaultPollInterval
	} else if *b.PollInterval < minPollInterval {
		b.PollInterval = &minPollInterval
	} else if *b.PollInterval > maxPollInterval {
		b.PollInterval = &maxPollInterval
	}

	var minMessageTTL time.Duration
	if b.MessageTTL == nil || *b.MessageTTL < minMessageTTL {
		b.MessageTTL = &minMessageTTL
	}

	if b.Logger == nil {
		b.Logger = logging.New("mongodb backend")
	}
}

// messageDocument is the stored form of a message. Every consumer group that
// has claimed the message is recorded in ClaimedBy; consumers outside any
// group claim it on behalf of the empty group.
type messageDocument struct {
	ID        string    `bson:"id"`
	Key       string    `bson:"key"`
	Envelope  string    `bson:"envelope"`
	Created   time.Time `bson:"created"`
	ClaimedBy []string  `bson:"claimedBy"`
}

// backend is a MongoDB-based implementation of the messaging.Backend
// interface. Each consumer group sees each message once. Consumers within a
// group compete for messages. A claimed message is never handed out to the
// same group again, so delivery is at most once.
type backend struct {
	database   *mongo.Database
	collection *mongo.Collection
	options    BackendOptions

	// All of the following behaviors can be overridden for testing purposes
	insert func(ctx context.Context, doc messageDocument) error
	claim  func(
		ctx context.Context,
		queue string,
		group string,
	) (*messageDocument, error)
}

// NewBackend returns a new MongoDB-based implementation of the
// messaging.Backend interface. Indexes needed by the backend are created if
// they don't already exist.
func NewBackend(
	database *mongo.Database,
	options *BackendOptions,
) (messaging.Backend, error) {
	if options == nil {
		options = &BackendOptions{}
	}
	opts := *options
	opts.applyDefaults()
	b := &backend{
		database:   database,
		collection: database.Collection(opts.Collection),
		options:    opts,
	}
	b.insert = b.defaultInsert
	b.claim = b.defaultClaim
	if err := b.ensureIndexes(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *backend) ensureIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongodbTimeout)
	defer cancel()
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "key", Value: 1},
				{Key: "claimedBy", Value: 1},
			},
		},
	}
	if ttl := *b.options.MessageTTL; ttl > 0 {
		indexes = append(
			indexes,
			mongo.IndexModel{
				Keys: bson.M{
					"created": 1,
				},
				Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds())),
			},
		)
	}
	if _, err := b.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return errors.Wrapf(
			err,
			"error adding indexes to %s collection",
			b.options.Collection,
		)
	}
	return nil
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
	if err := b.insert(
		ctx,
		messageDocument{
			ID:        message.ID(),
			Key:       string(key),
			Envelope:  string(messageJSON),
			Created:   time.Now().UTC(),
			ClaimedBy: []string{},
		},
	); err != nil {
		return errors.Wrapf(err, "error publishing message %q", message.ID())
	}
	return nil
}

func (b *backend) defaultInsert(ctx context.Context, doc messageDocument) error {
	_, err := b.collection.InsertOne(ctx, doc)
	return err
}

// defaultClaim atomically marks the oldest message on the queue not yet
// claimed by the group as claimed by the group and returns it. It returns nil
// if there is no such message.
func (b *backend) defaultClaim(
	ctx context.Context,
	queue string,
	group string,
) (*messageDocument, error) {
	res := b.collection.FindOneAndUpdate(
		ctx,
		bson.M{
			"key":       queue,
			"claimedBy": bson.M{"$ne": group},
		},
		bson.M{
			"$addToSet": bson.M{"claimedBy": group},
		},
		options.FindOneAndUpdate().SetSort(bson.M{"_id": 1}),
	)
	if res.Err() == mongo.ErrNoDocuments {
		return nil, nil
	}
	doc := &messageDocument{}
	if err := res.Decode(doc); err != nil {
		return nil, errors.Wrapf(
			err,
			"error claiming message from queue %q for group %q",
			queue,
			group,
		)
	}
	return doc, nil
}

func (b *backend) Consume(
	_ context.Context,
	group string,
) (messaging.Stream, error) {
	return &stream{
		backend: b,
		group:   group,
	}, nil
}

func (b *backend) Close(ctx context.Context) error {
	return errors.Wrap(
		b.database.Client().Disconnect(ctx),
		"error disconnecting from mongo",
	)
}

// stream is a MongoDB-based implementation of the messaging.Stream interface.
type stream struct {
	backend *backend
	group   string
	closed  bool
}

func (s *stream) Next(ctx context.Context) (messaging.Message, error) {
	opts := s.backend.options
	for {
		if s.closed {
			return nil, messaging.ErrStreamClosed
		}
		doc, err := s.backend.claim(ctx, opts.Queue, s.group)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if doc == nil {
			select {
			case <-time.After(*opts.PollInterval):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		message, err := messaging.NewMessageFromJSON([]byte(doc.Envelope))
		if err != nil {
			opts.Logger.Warningf(
				"skipping malformed message %q on queue %q: %s",
				doc.ID,
				opts.Queue,
				err,
			)
			continue
		}
		return message, nil
	}
}

// Ack does nothing. Messages are claimed for the stream's group as they are
// received, so there is nothing left to acknowledge.
func (s *stream) Ack(context.Context) error {
	if s.closed {
		return messaging.ErrStreamClosed
	}
	return nil
}

func (s *stream) Close(context.Context) error {
	s.closed = true
	return nil
}
