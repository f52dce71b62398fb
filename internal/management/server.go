package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	qerr "github.com/moroshma/MiniToolQueue/pkg/errors"
	"github.com/moroshma/MiniToolQueue/pkg/logger"
)

// Server serves the management API, Prometheus metrics and a health probe over HTTP.
type Server struct {
	httpServer *http.Server
	service    *Service
	logger     *logger.Logger
	listener   net.Listener
}

// NewServer creates a management HTTP server on addr (e.g. ":8161"). A nil
// gatherer leaves /metrics out.
func NewServer(addr string, service *Service, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{service: service, logger: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/broker", s.handleBroker)
	mux.HandleFunc("GET /api/v1/queues", s.handleQueues)
	mux.HandleFunc("GET /api/v1/queues/{name}", s.handleQueue)
	mux.HandleFunc("GET /api/v1/query", s.handleQuery)
	mux.HandleFunc("POST /api/v1/connectors", s.handleAddConnector)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck // best-effort health response
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background. The returned
// channel receives an error if the server fails.
func (s *Server) Start() (<-chan error, error) {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("management server: %w", err)
	}
	s.listener = lis

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("management server: %w", err)
		}
		close(errCh)
	}()

	s.logger.Info("Management server listening", logger.String("address", lis.Addr().String()))
	return errCh, nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown gracefully stops the server, waiting for active requests to
// complete or until the context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleBroker(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.BrokerStats()
	s.respond(w, view, err)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	views, err := s.service.Queues()
	s.respond(w, views, err)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.QueueStats(r.PathValue("name"))
	s.respond(w, view, err)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Query(r.URL.Query().Get("name"))
	s.respond(w, result, err)
}

type addConnectorRequest struct {
	URI string `json:"uri"`
}

func (s *Server) handleAddConnector(w http.ResponseWriter, r *http.Request) {
	var req addConnectorRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.respond(w, nil, fmt.Errorf("%w: %v", qerr.ErrInvalidArgument, err))
		return
	}
	view, err := s.service.AddConnector(req.URI)
	if err == nil {
		s.logger.Info("Connector added", logger.String("uri", req.URI))
	}
	s.respond(w, view, err)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) respond(w http.ResponseWriter, body any, err error) {
	status := http.StatusOK
	if err != nil {
		switch {
		case errors.Is(err, qerr.ErrUnknownDestination):
			status = http.StatusNotFound
		case errors.Is(err, qerr.ErrInvalidArgument):
			status = http.StatusBadRequest
		case errors.Is(err, qerr.ErrBrokerStopped):
			status = http.StatusConflict
		default:
			status = http.StatusInternalServerError
			s.logger.Error("Management query failed", logger.Error(err))
		}
		body = errorBody{Code: qerr.CodeOf(err), Message: err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write management response", logger.Error(err))
	}
}
