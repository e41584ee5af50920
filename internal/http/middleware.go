package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/rider-agent/internal/observability"
)

type ctxKey struct{}

// reqScope is what the outer middleware attaches to each request.
type reqScope struct {
	log *slog.Logger
}

const headerRequestID = "X-Request-ID"

// registerMiddleware installs, outermost first: request scope, panic
// recovery, then access logging with metrics.
func (s *Server) registerMiddleware() {
	s.mux.Use(s.withScope, s.recoverPanics, s.accessLog)
}

func (s *Server) withScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		sc := &reqScope{log: s.logger.With("request_id", id)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sc)))
	})
}

// requestLogger returns the logger tagged with the request id, or the
// server logger outside a request.
func (s *Server) requestLogger(ctx context.Context) *slog.Logger {
	if sc, ok := ctx.Value(ctxKey{}).(*reqScope); ok {
		return sc.log
	}
	return s.logger
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.requestLogger(r.Context()).Error("handler_panic", "path", r.URL.Path, "err", rec)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog counts and times API calls. Upgraded notice sockets are logged
// once at upgrade and kept out of the latency histogram.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		took := time.Since(began)

		route := routeOf(r)
		code := rec.code()
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()

		log := s.requestLogger(r.Context())
		if rec.hijacked {
			log.Info("notice_socket_opened", "route", route, "client", clientAddr(r), "upgrade_ms", took.Milliseconds())
			return
		}
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(code)).Observe(took.Seconds())

		level := slog.LevelDebug
		if code >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.Log(r.Context(), level, "http_request",
			"method", r.Method,
			"route", route,
			"status", code,
			"bytes", rec.written,
			"duration_ms", took.Milliseconds(),
			"client", clientAddr(r),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status   int
	written  int
	hijacked bool
}

func (w *statusRecorder) code() int {
	switch {
	case w.hijacked:
		return http.StatusSwitchingProtocols
	case w.status == 0:
		return http.StatusOK
	}
	return w.status
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}

// Hijack lets the notices WebSocket upgrade through the recorder.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot hijack")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, buf, err
}

// routeOf labels metrics by mux template so ids in the path do not blow up
// cardinality. Unmatched requests share one label.
func routeOf(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tmpl, err := cur.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// clientAddr is the UI's address. The agent listens on loopback for the
// rider app, so forwarding headers are not trusted.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
