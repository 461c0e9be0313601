package messaging

// nolint: lll
var payloadSchemaBytes = []byte(`
{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"$id": "github.com/krancour/abe/payload.schema.json",

	"title": "Payload",
	"description": "A message payload. Any JSON object is acceptable; backends transport it as-is.",
	"type": "object"
}
`)
