// Package server exposes the operator HTTP API: health, readiness, metrics,
// the in-flight task list with cancellation, and the analysis history. It
// injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/reelrelay/db"
	"github.com/onnwee/reelrelay/relay"
	"github.com/onnwee/reelrelay/telemetry"
)

// TaskRegistry lists and cancels in-flight analyses.
type TaskRegistry interface {
	List() []relay.TaskInfo
	Cancel(id string) bool
}

// Capacity reports analysis slot usage.
type Capacity interface {
	Active() int
	Capacity() int
}

// HistoryReader serves the analysis history.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]db.Analysis, error)
	Stats(ctx context.Context) (map[string]int, error)
}

// Deps are the runtime components the API reports on.
type Deps struct {
	Tasks   TaskRegistry
	Limiter Capacity
	Outbox  interface{ Len() int }
	History HistoryReader // nil when history is disabled
	DB      *sql.DB       // nil when history is disabled
	Ready   func() bool   // relay loop running
	Auth    AuthConfig
	Version string
	// CancelPerMinute limits cancel requests per client IP (0 disables).
	CancelPerMinute int
	// TrustProxy keys the limit on X-Forwarded-For / X-Real-IP.
	TrustProxy bool
}

// NewMux returns the HTTP handler with all routes.
// The provided context is used for rate limiter cleanup goroutines lifecycle.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	h := &Handlers{deps: deps}
	limiter := newIPRateLimiter(ctx, deps.CancelPerMinute, time.Minute)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /analyses", h.HandleAnalyses)
	mux.Handle("POST /tasks/{id}/cancel", adminAuth(rateLimitMiddleware(http.HandlerFunc(h.HandleCancel), limiter, deps.TrustProxy), deps.Auth))

	// Wrap with correlation ID injector and tracing middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path, telemetry.HTTPAttrs(r.Method, r.URL.Path)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx, nil).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrapped, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, wrapped.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
