package mongodb

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const envconfigPrefix = "MONGODB"

// config represents configuration options for the MongoDB backend sourced
// from the environment. A connection string, if provided, takes precedence
// over the individual connection fields.
type config struct {
	ConnectionString string         `envconfig:"CONNECTION_STRING"`
	Host             string         `envconfig:"HOST"`
	Port             int            `envconfig:"PORT" default:"27017"`
	Database         string         `envconfig:"DATABASE" required:"true"`
	ReplicaSet       string         `envconfig:"REPLICA_SET"`
	Username         string         `envconfig:"USERNAME"`
	Password         string         `envconfig:"PASSWORD"`
	Collection       string         `envconfig:"COLLECTION" default:"messages"`
	Queue            string         `envconfig:"QUEUE" default:"abe"`
	PollInterval     *time.Duration `envconfig:"POLL_INTERVAL"`
	MessageTTL       *time.Duration `envconfig:"MESSAGE_TTL"`
}

func getConfigFromEnvironment() (config, error) {
	c := config{}
	if err := envconfig.Process(envconfigPrefix, &c); err != nil {
		return c, errors.Wrap(
			err,
			"error getting mongo configuration from environment",
		)
	}
	return c, nil
}

func (c config) connectionString() (string, error) {
	if c.ConnectionString != "" {
		return c.ConnectionString, nil
	}
	if c.Host == "" {
		return "", errors.New(
			"either MONGODB_CONNECTION_STRING or MONGODB_HOST must be set",
		)
	}
	u := url.URL{
		Scheme: "mongodb",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	if c.ReplicaSet != "" {
		u.RawQuery = url.Values{"replicaSet": []string{c.ReplicaSet}}.Encode()
	}
	return u.String(), nil
}

func (c config) backendOptions() *BackendOptions {
	return &BackendOptions{
		Collection:   c.Collection,
		Queue:        c.Queue,
		PollInterval: c.PollInterval,
		MessageTTL:   c.MessageTTL,
	}
}

// newBackendFromEnvironment returns a MongoDB backend for the database
// specified by environment variables.
func newBackendFromEnvironment() (messaging.Backend, error) {
	c, err := getConfigFromEnvironment()
	if err != nil {
		return nil, err
	}
	connectionString, err := c.connectionString()
	if err != nil {
		return nil, err
	}
	connectCtx, connectCancel :=
		context.WithTimeout(context.Background(), 10*time.Second)
	defer connectCancel()
	// This client's settings favor consistency over speed
	client, err := mongo.Connect(
		connectCtx,
		options.Client().ApplyURI(connectionString).SetWriteConcern(
			writeconcern.New(writeconcern.WMajority()),
		).SetReadConcern(readconcern.Majority()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "error connecting to mongo")
	}
	return NewBackend(client.Database(c.Database), c.backendOptions())
}
