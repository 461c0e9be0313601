package amqp

import (
	"context"
	"strings"
	"sync"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/krancour/abe/internal/logging"
	"github.com/krancour/abe/internal/retries"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
)

// BackendName is the name the AMQP backend is registered under.
const BackendName = "amqp"

func init() {
	messaging.RegisterBackend(BackendName, newBackendFromEnvironment)
}

// BackendOptions represents configuration options for the AMQP backend.
type BackendOptions struct {
	// IsAzureServiceBus enables Azure Service Bus message grouping. Keys of the
	// form "<queue>.<group>" are published to <queue> with the group ID set and
	// consumers in a group receive only that group's messages.
	IsAzureServiceBus bool
	// Queue names the queue streams consume from. Default: "abe"
	Queue string
	// Logger receives the backend's log entries.
	Logger logging.Logger
}

func (b *BackendOptions) applyDefaults() {
	if b.Queue == "" {
		b.Queue = "abe"
	}
	if b.Logger == nil {
		b.Logger = logging.New("amqp backend")
	}
}

// link is a session paired with a sender on that session.
type link struct {
	session *amqp.Session
	sender  *amqp.Sender
	groupID string
}

// backend is an AMQP 1.0 implementation of the messaging.Backend interface.
// A single connection is shared by all publishers and streams. Each stream
// gets its own session.
type backend struct {
	address  string
	dialOpts []amqp.ConnOption
	options  BackendOptions

	amqpClient   *amqp.Client
	amqpClientMu sync.Mutex
	// links caches senders by key
	links map[messaging.Key]*link
}

// NewBackend returns an AMQP 1.0 implementation of the messaging.Backend
// interface connected to the specified endpoint.
func NewBackend(
	address string,
	username string,
	password string,
	options *BackendOptions,
) (messaging.Backend, error) {
	if options == nil {
		options = &BackendOptions{}
	}
	opts := *options
	opts.applyDefaults()
	b := &backend{
		address: address,
		dialOpts: []amqp.ConnOption{
			amqp.ConnSASLPlain(username, password),
		},
		options: opts,
		links:   map[messaging.Key]*link{},
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

// connect (re)establishes the backend's connection. Cached senders belong to
// the old connection and are discarded. b.amqpClientMu must be held or the
// backend must not yet be shared.
func (b *backend) connect() error {
	return retries.Policy{
		MaxAttempts: 10,
		MaxBackoff:  10 * time.Second,
	}.Run(
		context.Background(),
		"connect",
		func() (bool, error) {
			if b.amqpClient != nil {
				b.amqpClient.Close()
			}
			b.links = map[messaging.Key]*link{}
			var err error
			if b.amqpClient, err = amqp.Dial(b.address, b.dialOpts...); err != nil {
				return true, errors.Wrap(err, "error dialing endpoint")
			}
			return false, nil
		},
	)
}

// splitKey splits a key into a queue name and a group ID when grouping is
// enabled and the key has exactly one "." in it.
func (b *backend) splitKey(key messaging.Key) (string, string) {
	queueName := string(key)
	if b.options.IsAzureServiceBus {
		tokens := strings.Split(queueName, ".")
		if len(tokens) == 2 {
			return tokens[0], tokens[1]
		}
	}
	return queueName, ""
}

func (b *backend) getLink(key messaging.Key) (*link, error) {
	b.amqpClientMu.Lock()
	defer b.amqpClientMu.Unlock()
	if l, ok := b.links[key]; ok {
		return l, nil
	}
	queueName, groupID := b.splitKey(key)
	var session *amqp.Session
	var sender *amqp.Sender
	var err error
	for {
		if session, err = b.amqpClient.NewSession(); err != nil {
			if err = b.connect(); err != nil {
				return nil, err
			}
			continue
		}
		if sender, err = session.NewSender(
			amqp.LinkTargetAddress(queueName),
		); err != nil {
			session.Close(context.TODO())
			if err = b.connect(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	l := &link{
		session: session,
		sender:  sender,
		groupID: groupID,
	}
	b.links[key] = l
	return l, nil
}

// dropLink forgets a cached sender that has failed so that the next publish
// to the same key creates a new one.
func (b *backend) dropLink(key messaging.Key, l *link) {
	b.amqpClientMu.Lock()
	defer b.amqpClientMu.Unlock()
	if b.links[key] == l {
		delete(b.links, key)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.sender.Close(ctx)
	l.session.Close(ctx)
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
	l, err := b.getLink(key)
	if err != nil {
		return errors.Wrapf(err, "error creating sender for key %q", key)
	}
	amqpMsg := newAMQPMessage(message.ID(), l.groupID, messageJSON)
	if err := l.sender.Send(ctx, amqpMsg); err != nil {
		b.dropLink(key, l)
		return errors.Wrapf(
			err,
			"error publishing message %q to key %q",
			message.ID(),
			key,
		)
	}
	return nil
}

func newAMQPMessage(id, groupID string, messageJSON []byte) *amqp.Message {
	amqpMsg := amqp.NewMessage(messageJSON)
	amqpMsg.Header = &amqp.MessageHeader{
		Durable: true,
	}
	amqpMsg.Properties = &amqp.MessageProperties{
		MessageID: id,
	}
	if groupID != "" {
		amqpMsg.Properties.GroupID = groupID
	}
	return amqpMsg
}

func (b *backend) Consume(
	_ context.Context,
	group string,
) (messaging.Stream, error) {
	b.amqpClientMu.Lock()
	defer b.amqpClientMu.Unlock()

	linkOpts := []amqp.LinkOption{
		amqp.LinkSourceAddress(b.options.Queue),
		// Link credit is 1 because we're a "slow" consumer. We do not want
		// messages piling up in a client-side buffer, knowing that it could be
		// some time before we can process them.
		amqp.LinkCredit(1),
	}
	if b.options.IsAzureServiceBus && group != "" {
		linkOpts = append(linkOpts, linkAzureSessionFilter(group))
	}

	var session *amqp.Session
	var receiver *amqp.Receiver
	var err error
	for {
		if session, err = b.amqpClient.NewSession(); err != nil {
			if err = b.connect(); err != nil {
				return nil, err
			}
			continue
		}
		if receiver, err = session.NewReceiver(linkOpts...); err != nil {
			session.Close(context.TODO())
			if err = b.connect(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}

	return newStream(b.options.Queue, session, receiver, b.options.Logger), nil
}

func (b *backend) Close(ctx context.Context) error {
	b.amqpClientMu.Lock()
	defer b.amqpClientMu.Unlock()
	for key, l := range b.links {
		l.sender.Close(ctx)
		l.session.Close(ctx)
		delete(b.links, key)
	}
	if err := b.amqpClient.Close(); err != nil {
		return errors.Wrapf(err, "error closing AMQP client")
	}
	b.options.Logger.Debugf("closed AMQP backend")
	return nil
}

func linkAzureSessionFilter(sessionID string) amqp.LinkOption {
	const name = "com.microsoft:session-filter"
	const code = uint64(0x00000137000000C)
	return amqp.LinkSourceFilter(name, code, sessionID)
}
