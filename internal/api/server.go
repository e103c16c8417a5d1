package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/zde37/dhtp/internal/transport"
	"github.com/zde37/dhtp/pkg"
)

// Server is the HTTP gateway in front of a node's admin gRPC service.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	gateway    *runtime.ServeMux
	wsHub      *WebSocketHub
	admin      *transport.AdminClient
	logger     *pkg.Logger
	address    string
}

// Config holds the HTTP server configuration.
type Config struct {
	Address      string        // host:port to listen on
	AdminAddr    string        // admin gRPC server to proxy to
	AuthToken    string        // token presented to the admin server
	AdminTimeout time.Duration // timeout for status and health calls
}

// NewServer creates a new HTTP API gateway server.
func NewServer(cfg *Config, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.AdminAddr == "" {
		return nil, fmt.Errorf("admin address is required")
	}

	admin, err := transport.NewAdminClient(cfg.AdminAddr, cfg.AuthToken, cfg.AdminTimeout, logger)
	if err != nil {
		return nil, err
	}

	return &Server{
		logger:  logger.WithFields(pkg.Fields{"component": "http_api"}),
		address: cfg.Address,
		admin:   admin,
		wsHub:   NewWebSocketHub(logger),
	}, nil
}

// Hub returns the WebSocket hub. Register it with the node to stream ring events.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler builds the HTTP routes.
func (s *Server) Handler() (http.Handler, error) {
	s.gateway = runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
			MarshalOptions: protojson.MarshalOptions{
				UseProtoNames:   true,
				EmitUnpopulated: true,
			},
			UnmarshalOptions: protojson.UnmarshalOptions{
				DiscardUnknown: true,
			},
		}),
		// GET /healthz proxies to the admin server's health service
		runtime.WithHealthzEndpoint(healthpb.NewHealthClient(s.admin.Conn())),
	)

	if err := s.gateway.HandlePath(http.MethodGet, "/api/v1/node", s.handleStatus); err != nil {
		return nil, fmt.Errorf("failed to register status route: %w", err)
	}
	if err := s.gateway.HandlePath(http.MethodPost, "/api/v1/leave", s.handleLeave); err != nil {
		return nil, fmt.Errorf("failed to register leave route: %w", err)
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)
	httpMux.Handle("/", corsMiddleware(s.gateway))

	return httpMux, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.wsHub.Start()

	// No WriteTimeout: a leave request stays open until the ring has been circled.
	s.httpServer = &http.Server{
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the listening address, useful when started on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.wsHub.Stop()

	var shutdownErr error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if err := s.admin.Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return shutdownErr
}

// handleStatus serves GET /api/v1/node.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	st, err := s.admin.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeProto(w, r, st)
}

// handleLeave serves POST /api/v1/leave. The request's own context bounds
// the wait.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.admin.Leave(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeProto(w, r, &emptypb.Empty{})
}

func (s *Server) writeProto(w http.ResponseWriter, r *http.Request, msg proto.Message) {
	_, marshaler := runtime.MarshalerForRequest(s.gateway, r)
	data, err := marshaler.Marshal(msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", marshaler.ContentType(msg))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// writeError maps the gRPC status carried by err onto an HTTP error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Admin call failed")

	_, marshaler := runtime.MarshalerForRequest(s.gateway, r)
	runtime.HTTPError(r.Context(), s.gateway, marshaler, w, r, err)
}

// healthHandler reports that the HTTP process is up.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
