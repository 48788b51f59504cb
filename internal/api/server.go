// Package api exposes the checkout pipeline over HTTP: session lifecycle
// operations for the store gateway hardware and read endpoints for the
// back-office dashboard.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/visionkarts/checkout/internal/cart"
	"github.com/visionkarts/checkout/internal/config"
	"github.com/visionkarts/checkout/internal/monitoring"
	"github.com/visionkarts/checkout/internal/session"
	"github.com/visionkarts/checkout/internal/store"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	sessions  *session.Manager
	finalizer *session.Finalizer
	carts     *cart.Store
	db        *store.DB
	tuning    *config.TuningConfig
}

func NewServer(sessions *session.Manager, finalizer *session.Finalizer, carts *cart.Store, db *store.DB, tuning *config.TuningConfig) *Server {
	return &Server{
		sessions:  sessions,
		finalizer: finalizer,
		carts:     carts,
		db:        db,
		tuning:    tuning,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.showSession)
	mux.HandleFunc("POST /api/sessions/{id}/exit", s.exitSession)
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.abortSession)
	mux.HandleFunc("GET /api/carts/{customer}", s.showCart)
	mux.HandleFunc("GET /api/events", s.listEvents)
	mux.HandleFunc("GET /api/transactions", s.listTransactions)
	mux.HandleFunc("GET /api/transactions/rollup", s.showTransactionRollup)
	mux.HandleFunc("GET /api/config", s.showConfig)
	return mux
}
