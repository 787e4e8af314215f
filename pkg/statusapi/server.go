package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/harunnryd/siavoice/pkg/conversation"
	"github.com/harunnryd/siavoice/pkg/logging"
)

// Conversation is the slice of conversation.Machine the API exposes.
type Conversation interface {
	Status() conversation.Status
	Running() bool
	SendText(ctx context.Context, text string) error
}

type Server struct {
	conv    Conversation
	metrics http.Handler
	log     *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type textRequest struct {
	Text string `json:"text"`
}

// New builds the status server. A nil metrics handler leaves /metrics unrouted.
func New(conv Conversation, metrics http.Handler, log *slog.Logger) *Server {
	return &Server{
		conv:    conv,
		metrics: metrics,
		log:     logging.NewComponentLogger(log, "statusapi"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/state", s.handleState)
	r.Post("/v1/text", s.handleText)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return otelhttp.NewHandler(r, "statusapi")
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("statusapi_listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("statusapi_shutdown_failed", "error", err.Error())
		_ = srv.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.conv.Status()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"running":   s.conv.Running(),
		"connected": st.Connected,
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.conv.Status())
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	err := s.conv.SendText(r.Context(), req.Text)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, s.conv.Status())
	case errors.Is(err, conversation.ErrNotRunning):
		respondError(w, http.StatusServiceUnavailable, "not_running", err.Error())
	case errors.Is(err, conversation.ErrNotListening):
		respondError(w, http.StatusConflict, "not_listening", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "send_failed", err.Error())
	}
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
