// Package server exposes the question answering service over HTTP and
// WebSocket.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"github.com/xhad/documind/pkg/rag"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// QueryRequest is the body of the query endpoints and of WebSocket messages.
type QueryRequest struct {
	Question string `json:"question"`
	TopK     *int   `json:"top_k,omitempty"`
}

// Frame is one line of a streamed answer. The last frame has IsLast set, an
// empty Token, and carries the sources or the error that ended the stream.
type Frame struct {
	Token   string          `json:"token"`
	IsLast  bool            `json:"is_last"`
	Sources []models.Source `json:"sources,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type Server struct {
	service *rag.Service
	logger  *slog.Logger
}

func New(service *rag.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{service: service, logger: logger}
}

// Handler returns the routed handler with CORS and access logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleInfo)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("POST /chat", s.handleQuery)
	mux.HandleFunc("POST /query/stream", s.handleStream)
	mux.HandleFunc("POST /chat/stream", s.handleStream)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s.logRequests(cors(mux))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  "DocuMind",
		"ready": s.service.Ready(),
		"endpoints": []string{
			"GET /health",
			"GET /stats",
			"POST /query",
			"POST /query/stream",
			"GET /ws",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	info, err := s.service.Stats(r.Context())
	if errors.Is(err, types.ErrIndexUnavailable) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQuery(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	answer, err := s.service.Ask(r.Context(), req.Question, req.TopK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQuery(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	st, err := s.service.AskStream(r.Context(), req.Question, req.TopK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	send := func(f Frame) error {
		if err := enc.Encode(f); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	// Returning early cancels the request context, which stops the stream.
	if err := relay(st, send); err != nil {
		s.logger.Debug("stream aborted", "error", err)
	}
}

// relay forwards every fragment of st to send, then the terminal frame.
func relay(st *rag.Stream, send func(Frame) error) error {
	for token := range st.Fragments() {
		if token == "" {
			continue
		}
		if err := send(Frame{Token: token}); err != nil {
			return err
		}
	}

	last := Frame{IsLast: true, Sources: st.Sources()}
	if err := st.Err(); err != nil {
		last.Sources = nil
		last.Error = err.Error()
	}
	return send(last)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var req QueryRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		if err := s.answerOverSocket(ctx, conn, req); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// answerOverSocket streams one answer. A returned error means the
// connection is no longer usable.
func (s *Server) answerOverSocket(ctx context.Context, conn *websocket.Conn, req QueryRequest) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := s.service.AskStream(ctx, req.Question, req.TopK)
	if err != nil {
		if !errors.Is(err, types.ErrInvalidParameter) {
			s.logger.Error("query failed", "error", err)
		}
		return conn.WriteJSON(Frame{IsLast: true, Error: err.Error()})
	}
	return relay(st, func(f Frame) error { return conn.WriteJSON(f) })
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (QueryRequest, error) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: invalid request body: %w", types.ErrInvalidParameter, err)
	}
	return req, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorResponse{Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
