package ingress

import (
	"io/ioutil"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
)

// maxPayloadBytes caps the size of a request body.
const maxPayloadBytes = 1 << 20

var responseEmptyJSON = []byte("{}")

type errorResponse struct {
	Error string `json:"error"`
}

type publishResponse struct {
	Key string `json:"key"`
}

func (s *server) messagePublish(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close() // nolint: errcheck

	key := messaging.Key(mux.Vars(r)["key"])

	bodyBytes, err :=
		ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		s.logger.Warningf(
			"%s",
			errors.Wrap(err, "error reading body of publish message request"),
		)
		s.writeResponse(w, http.StatusBadRequest, responseEmptyJSON)
		return
	}

	payload, err := messaging.ValidatePayloadJSON(bodyBytes)
	if err != nil {
		s.writeResponse(
			w,
			http.StatusBadRequest,
			errorResponse{Error: err.Error()},
		)
		return
	}

	if err := s.backend.Publish(r.Context(), key, payload); err != nil {
		s.logger.Errorf(
			"%s",
			errors.Wrapf(err, "error publishing message with key %q", key),
		)
		s.writeResponse(w, http.StatusInternalServerError, responseEmptyJSON)
		return
	}

	s.logger.Debugf("published message with key %q", key)
	s.writeResponse(w, http.StatusAccepted, publishResponse{Key: string(key)})
}
