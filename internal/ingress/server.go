package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/krancour/abe/internal/logging"
	"github.com/krancour/abe/pkg/messaging"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server is an interface for the component that accepts messages over HTTP
// and publishes them to a backend.
type Server interface {
	// ListenAndServe serves HTTP requests until ctx is canceled or an error
	// occurs.
	ListenAndServe(ctx context.Context) error
}

type server struct {
	config  Config
	backend messaging.Backend
	router  *mux.Router
	logger  logging.Logger
}

// NewServer returns an ingress server that publishes to the provided backend.
func NewServer(config Config, backend messaging.Backend) Server {
	return newServer(config, backend)
}

func newServer(config Config, backend messaging.Backend) *server {
	s := &server{
		config:  config,
		backend: backend,
		router:  mux.NewRouter(),
		logger:  logging.New("ingress"),
	}

	s.router.StrictSlash(true)

	// Publish message
	s.router.HandleFunc(
		"/v1/messages/{key}",
		s.messagePublish,
	).Methods(http.MethodPost)

	// Health check
	s.router.HandleFunc(
		"/healthz",
		s.checkHealth,
	).Methods(http.MethodGet)

	return s
}

func (s *server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("ingress server is listening on 0.0.0.0:%d", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return errors.Wrap(err, "error serving ingress requests")
	case <-ctx.Done():
	}
	shutdownCtx, cancel :=
		context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "error shutting down ingress server")
	}
	s.logger.Infof("ingress server stopped")
	return nil
}

// handler returns the router wrapped to also accept cleartext HTTP/2.
func (s *server) handler() http.Handler {
	return h2c.NewHandler(s.router, &http2.Server{})
}

func (s *server) checkHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeResponse(w, http.StatusOK, struct{}{})
}

func (s *server) writeResponse(
	w http.ResponseWriter,
	statusCode int,
	response interface{},
) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	responseBody, ok := response.([]byte)
	if !ok {
		var err error
		if responseBody, err = json.Marshal(response); err != nil {
			s.logger.Errorf("error marshaling response body: %s", err)
		}
	}
	if _, err := w.Write(responseBody); err != nil {
		s.logger.Errorf("error writing response body: %s", err)
	}
}
