package messaging

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidPayload is the cause of errors returned by ValidatePayloadJSON
// when the JSON is well-formed but does not describe a valid payload.
var ErrInvalidPayload = errors.New("invalid payload")

var payloadSchemaLoader = gojsonschema.NewBytesLoader(payloadSchemaBytes)

// ValidatePayloadJSON validates the provided JSON against the payload schema
// and returns the decoded Payload.
func ValidatePayloadJSON(payloadJSON []byte) (Payload, error) {
	result, err := gojsonschema.Validate(
		payloadSchemaLoader,
		gojsonschema.NewBytesLoader(payloadJSON),
	)
	if err != nil {
		return nil, errors.Wrap(err, "error validating payload")
	}
	if !result.Valid() {
		descs := make([]string, len(result.Errors()))
		for i, resultErr := range result.Errors() {
			descs[i] = resultErr.String()
		}
		return nil, errors.Wrap(ErrInvalidPayload, strings.Join(descs, "; "))
	}
	payload := Payload{}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, errors.Wrap(err, "error decoding payload")
	}
	return payload, nil
}
