// Package api provides the HTTP server for CarePipe.
//
// It exposes a health check, the delivery receipt read model and the inbound
// messaging webhook. Handlers only queue events; all processing happens in
// background workers.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the CarePipe HTTP endpoints.
type Server struct {
	addr     string
	receipts store.ReceiptRepo
	pinger   Pinger
	webhook  http.Handler
	log      *logger.Logger
	srv      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithPinger adds a backend check to /healthz.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// WithWebhook mounts the messaging transport's inbound webhook.
func WithWebhook(h http.Handler) Option {
	return func(s *Server) { s.webhook = h }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer creates a Server.
func NewServer(receipts store.ReceiptRepo, opts ...Option) *Server {
	s := &Server{addr: DefaultAddr, receipts: receipts, log: logger.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/receipts", s.receiptsHandler)
	if s.webhook != nil {
		mux.Handle("/webhook/twilio", s.webhook)
	}
	return s.logRequests(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Server.Run: listening", "addr", s.addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("Server.Run: shutting down")
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("Server: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.log.Warn("Server.healthHandler: backend unavailable", "error", err)
			s.writeJSONResponse(w, http.StatusServiceUnavailable, Error("store unavailable"))
			return
		}
	}
	s.writeJSONResponse(w, http.StatusOK, Success(nil))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	receipts, err := s.receipts.GetReceipts(r.Context())
	if err != nil {
		s.log.Error("Server.receiptsHandler: failed to list receipts", "error", err)
		s.writeJSONResponse(w, http.StatusInternalServerError, Error("Failed to list receipts"))
		return
	}
	s.writeJSONResponse(w, http.StatusOK, Success(receipts))
}
