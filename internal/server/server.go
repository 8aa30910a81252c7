// Package server exposes the snapshot trigger and the change webhook over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lsm/changefeed/internal/cdc"
	"github.com/lsm/changefeed/internal/correlation"
	"github.com/lsm/changefeed/internal/snapshot"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxChangeBytes = 16 << 20

// Exporter runs snapshot exports.
type Exporter interface {
	Export(ctx context.Context, req snapshot.Request) (snapshot.Result, error)
}

// Config holds server configuration.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

// Server serves the trigger and webhook endpoints.
type Server struct {
	observer   cdc.Observer
	exporter   Exporter
	logger     *slog.Logger
	addr       string
	shutdown   time.Duration
	server     *http.Server
	ListenAddr string
	ready      chan struct{}
}

// New creates a Server dispatching lifecycle events to obs and snapshot
// triggers to exp.
func New(cfg Config, obs cdc.Observer, exp Exporter, logger *slog.Logger) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		observer: obs,
		exporter: exp,
		logger:   logger,
		addr:     cfg.ListenAddr,
		shutdown: cfg.ShutdownTimeout,
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Handler returns the instrumented request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /snapshot/{resourceType}", s.handleSnapshot)
	mux.HandleFunc("POST /changes", s.handleChange)
	return otelhttp.NewHandler(correlation.Middleware(mux), "changefeed")
}

// Start serves requests until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ListenAddr = lis.Addr().String()

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", s.ListenAddr)
		close(s.ready)
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	req := snapshot.Request{
		ResourceType: r.PathValue("resourceType"),
		FromName:     r.URL.Query().Get("fromName"),
		BearerToken:  bearerToken(r.Header.Get("Authorization")),
	}
	logger := s.requestLogger(r)
	logger.Info("snapshot requested", "resource_type", req.ResourceType, "from_name", req.FromName)

	res, err := s.exporter.Export(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, snapshot.ErrUnknownResourceType) {
			status = http.StatusNotFound
		}
		logger.Error("snapshot failed", "status", status, "error", err)
		writeJSON(w, status, snapshotResponse{Status: "error", Error: err.Error(), Result: res})
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Status: "ok", Result: res})
}

type snapshotResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	snapshot.Result
}

// ChangeRequest is the body of a lifecycle webhook.
type ChangeRequest struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id"`
	Op           string          `json:"op"`
	Before       json.RawMessage `json:"before"`
	After        json.RawMessage `json:"after"`
}

func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChangeBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var req ChangeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid change: %v", err))
		return
	}
	if req.ResourceType == "" || req.ID == "" {
		writeError(w, http.StatusBadRequest, "resourceType and id are required")
		return
	}

	mode, err := cdc.ParseMode(req.Op)
	if err != nil || mode == cdc.Snapshot {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("op %q is not one of c, u, d", req.Op))
		return
	}

	before, after := state(req.Before), state(req.After)
	env := cdc.Envelope{ResourceType: req.ResourceType, Key: req.ID, Before: before, After: after, Mode: mode}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	switch mode {
	case cdc.Insert:
		err = s.observer.OnCreated(ctx, req.ResourceType, req.ID, after)
	case cdc.Update:
		err = s.observer.OnUpdated(ctx, req.ResourceType, req.ID, before, after)
	case cdc.Delete:
		err = s.observer.OnDeleted(ctx, req.ResourceType, req.ID, before)
	}
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, cdc.ErrInvalidEnvelope) {
			status = http.StatusBadRequest
		}
		logger.Error("change rejected",
			"resource_type", req.ResourceType,
			"key", req.ID,
			"op", req.Op,
			"status", status,
			"error", err,
		)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	if id, ok := correlation.FromContext(r.Context()); ok {
		return s.logger.With("correlation_id", id.Value)
	}
	return s.logger
}

// bearerToken returns the credential of a "Bearer <token>" header value.
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// state maps an absent or JSON null payload to nil.
func state(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}
