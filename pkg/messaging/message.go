package messaging

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	uuid "github.com/satori/go.uuid"
)

// Key is the routing key a payload is published under. Backends interpret it
// in their own terms-- e.g. a Kafka topic, a Redis list, an AMQP queue address
// or a MongoDB queue name.
type Key string

// Payload is the application data carried by a message. It must be
// JSON-serializable.
type Payload map[string]interface{}

// Message is a single message as delivered by a backend's stream. Its
// structure is backend-defined. Messages produced by the backends in this
// module are envelopes with "id", "key", "payload" and "metadata" fields.
type Message map[string]interface{}

// Fields of the envelope used by the backends in this module.
const (
	FieldID       = "id"
	FieldKey      = "key"
	FieldPayload  = "payload"
	FieldMetadata = "metadata"
)

// MetadataPublished is the metadata field carrying the publication time in
// RFC 3339 format.
const MetadataPublished = "published"

// NewEnvelope returns a new Message wrapping the provided payload. A fresh
// message ID is assigned and the publication time is recorded in the
// metadata.
func NewEnvelope(key Key, payload Payload) Message {
	return Message{
		FieldID:      uuid.NewV4().String(),
		FieldKey:     string(key),
		FieldPayload: map[string]interface{}(payload),
		FieldMetadata: map[string]interface{}{
			MetadataPublished: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}

// NewMessageFromJSON returns a new Message unmarshalled from the provided
// []byte. The JSON must represent an object.
func NewMessageFromJSON(jsonBytes []byte) (Message, error) {
	m := Message{}
	if err := json.Unmarshal(jsonBytes, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("message JSON %q is not an object", jsonBytes)
	}
	return m, nil
}

// ToJSON returns a []byte containing a JSON representation of the Message.
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ID returns the message's envelope ID, if it has one.
func (m Message) ID() string {
	id, _ := m[FieldID].(string)
	return id
}

// Key returns the key the message was published under, if known.
func (m Message) Key() Key {
	key, _ := m[FieldKey].(string)
	return Key(key)
}

// Payload returns the message's envelope payload, if it has one.
func (m Message) Payload() Payload {
	payload, _ := m[FieldPayload].(map[string]interface{})
	return Payload(payload)
}

// Metadata returns the message's envelope metadata. The returned map is never
// nil; writing to it annotates the message.
func (m Message) Metadata() map[string]interface{} {
	metadata, ok := m[FieldMetadata].(map[string]interface{})
	if !ok {
		metadata = map[string]interface{}{}
		m[FieldMetadata] = metadata
	}
	return metadata
}

// String returns a short description of the message suitable for log lines.
func (m Message) String() string {
	if id := m.ID(); id != "" {
		if key := m.Key(); key != "" {
			return fmt.Sprintf("%q (key %q)", id, key)
		}
		return fmt.Sprintf("%q", id)
	}
	const maxLen = 120
	s := fmt.Sprintf("%v", map[string]interface{}(m))
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
