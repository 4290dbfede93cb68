package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/headlines"
	"github.com/JakeFAU/feedcache/internal/ingest"
	"github.com/JakeFAU/feedcache/internal/metrics"
)

const defaultRequestTimeout = 60 * time.Second

// Ingester triggers background work and reports the service state.
type Ingester interface {
	TriggerIngest() (string, error)
	TriggerUser(user string) error
	TriggerHeadlines() error
	Status() ingest.Status
}

// Config tunes the HTTP surface.
type Config struct {
	// APIKey, when set, is required on every /v1 route.
	APIKey         string
	FeedsDir       string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the ingestion service and the cache store.
type Server struct {
	router chi.Router
	svc    Ingester
	pages  *PageHandler
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Ingester, reader Reader, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		svc:    svc,
		pages:  NewPageHandler(reader, cfg.FeedsDir, logger),
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey, s.logger))
		}
		r.Post("/ingest", s.triggerIngest)
		r.Post("/ingest/{user}", s.triggerUser)
		r.Post("/headlines/run", s.triggerHeadlines)
		r.Get("/status", s.status)
		r.Route("/users/{user}", func(r chi.Router) {
			r.Get("/", s.pages.GetUser)
			r.Get("/categories/{category}", s.pages.GetPage)
			r.Get("/categories/{category}/articles/{slug}", s.pages.GetArticle)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.svc.Status().Started {
		writeJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	st := s.svc.Status()
	writeJSON(w, s.logger, http.StatusOK, statusResponse{
		Started:          st.Started,
		Ingesting:        st.Ingesting,
		HeadlinesRunning: st.HeadlinesRunning,
		WatchedFiles:     st.Watched,
		LastIngest: ingestSummary{
			RunID:     st.LastIngest.RunID,
			Documents: st.LastIngest.Documents,
			Built:     st.LastIngest.Built,
			Fresh:     st.LastIngest.Fresh,
			Kept:      st.LastIngest.Kept,
			Failed:    st.LastIngest.Failed,
			Items:     st.LastIngest.Items,
			Invalid:   st.LastIngest.Invalid,
			TookMS:    st.LastIngest.Duration.Milliseconds(),
		},
		LastIngestAt: st.LastIngestAt,
	})
}

func (s *Server) triggerIngest(w http.ResponseWriter, _ *http.Request) {
	runID, err := s.svc.TriggerIngest()
	if err != nil {
		s.writeTriggerError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, map[string]string{"status": "accepted", "run_id": runID})
}

func (s *Server) triggerUser(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := s.svc.TriggerUser(user); err != nil {
		s.writeTriggerError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, map[string]string{"status": "accepted", "user": user})
}

func (s *Server) triggerHeadlines(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.TriggerHeadlines(); err != nil {
		s.writeTriggerError(w, err)
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrRunInProgress), errors.Is(err, headlines.ErrRunInProgress):
		writeError(w, s.logger, http.StatusConflict, "run already in progress")
	case errors.Is(err, ingest.ErrUnknownUser):
		writeError(w, s.logger, http.StatusNotFound, "unknown user")
	case errors.Is(err, ingest.ErrStopped):
		writeError(w, s.logger, http.StatusServiceUnavailable, "service stopping")
	default:
		s.logger.Error("trigger failed", zap.Error(err))
		writeError(w, s.logger, http.StatusInternalServerError, "internal server error")
	}
}

type statusResponse struct {
	Started          bool          `json:"started"`
	Ingesting        bool          `json:"ingesting"`
	HeadlinesRunning bool          `json:"headlines_running"`
	WatchedFiles     int           `json:"watched_files"`
	LastIngest       ingestSummary `json:"last_ingest"`
	LastIngestAt     time.Time     `json:"last_ingest_at"`
}

type ingestSummary struct {
	RunID     string   `json:"run_id,omitempty"`
	Documents int      `json:"documents"`
	Built     int      `json:"built"`
	Fresh     int      `json:"fresh"`
	Kept      int      `json:"kept"`
	Failed    int      `json:"failed"`
	Items     int      `json:"items"`
	Invalid   []string `json:"invalid,omitempty"`
	TookMS    int64    `json:"took_ms"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the ID assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("took", time.Since(start)))
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec))
					writeError(w, logger, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, logger, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}
