package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rider-agent/internal/backend"
	"github.com/example/rider-agent/internal/dispatch"
	"github.com/example/rider-agent/internal/lifecycle"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/storage"
)

// Lifecycle is the coordinator surface exposed to the rider UI.
type Lifecycle interface {
	CurrentOffer() (models.Offer, bool)
	Accept(ctx context.Context, id string) (models.Assignment, error)
	Reject(ctx context.Context, id string) error
	Assignment() (models.Assignment, bool)
	ConfirmPickup(ctx context.Context, id string) (models.Assignment, error)
	Depart(ctx context.Context, id string) (models.Assignment, error)
	Finalize(ctx context.Context, id, otp string) (models.Completion, error)
	Route() (models.RouteEstimate, bool)
	SetOnline(ctx context.Context, online bool) error
	Online() bool
}

// PositionFeed receives fixes pushed by the device.
type PositionFeed interface {
	Push(s models.LocationSample)
}

type Deps struct {
	Lifecycle Lifecycle
	Positions PositionFeed
	Ledger    storage.Ledger
	Notices   *dispatch.NoticeHub
	// Logout stops the session's loops and clears stored credentials.
	Logout func(ctx context.Context) error
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{deps: deps, logger: logging.Component(logger, "http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/offer", s.handleCurrentOffer).Methods("GET")
	api.HandleFunc("/offers/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/offers/{id}/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/assignment", s.handleAssignment).Methods("GET")
	api.HandleFunc("/assignment/{id}/pickup", s.handleStage(Lifecycle.ConfirmPickup)).Methods("POST")
	api.HandleFunc("/assignment/{id}/depart", s.handleStage(Lifecycle.Depart)).Methods("POST")
	api.HandleFunc("/assignment/{id}/finalize", s.handleFinalize).Methods("POST")
	api.HandleFunc("/route", s.handleRoute).Methods("GET")
	api.HandleFunc("/position", s.handlePosition).Methods("POST")
	api.HandleFunc("/availability", s.handleAvailability).Methods("GET", "POST")
	api.HandleFunc("/earnings", s.handleEarnings).Methods("GET")
	api.HandleFunc("/logout", s.handleLogout).Methods("POST")

	s.mux.HandleFunc("/ws/notices/{client_id}", s.handleNotices)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCurrentOffer(w http.ResponseWriter, r *http.Request) {
	o, ok := s.deps.Lifecycle.CurrentOffer()
	if !ok {
		http.Error(w, "no offer", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Lifecycle.Accept(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Lifecycle.Reject(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignment(w http.ResponseWriter, r *http.Request) {
	a, ok := s.deps.Lifecycle.Assignment()
	if !ok {
		http.Error(w, "no assignment", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type stageFunc func(Lifecycle, context.Context, string) (models.Assignment, error)

// handleStage runs a rider-confirmed stage action. A stage that advanced
// locally but was not acknowledged by the backend answers 202 with a
// warning.
func (s *Server) handleStage(fn stageFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := fn(s.deps.Lifecycle, r.Context(), mux.Vars(r)["id"])
		var nerr *backend.NetworkError
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, a)
		case a.ID != "" && errors.As(err, &nerr):
			writeJSON(w, http.StatusAccepted, map[string]any{"assignment": a, "warning": err.Error()})
		default:
			s.writeError(w, r, err)
		}
	}
}

type finalizeRequest struct {
	OTP models.FlexString `json:"otp"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := s.deps.Lifecycle.Finalize(r.Context(), mux.Vars(r)["id"], string(req.OTP))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	est, ok := s.deps.Lifecycle.Route()
	if !ok {
		http.Error(w, "no route", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var fix models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&fix); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if fix.Lat < -90 || fix.Lat > 90 || fix.Lon < -180 || fix.Lon > 180 {
		http.Error(w, "coordinates out of range", http.StatusBadRequest)
		return
	}
	s.deps.Positions.Push(fix)
	w.WriteHeader(http.StatusNoContent)
}

type availabilityRequest struct {
	Online bool `json:"online"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req availabilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.deps.Lifecycle.SetOnline(r.Context(), req.Online); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, availabilityRequest{Online: s.deps.Lifecycle.Online()})
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	total, err := s.deps.Ledger.Total(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lines, err := s.deps.Ledger.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "earnings": lines})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logout != nil {
		if err := s.deps.Logout(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["client_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.requestLogger(r.Context()).Warn("ws_upgrade_failed", "client_id", id, "err", err)
		return
	}
	s.deps.Notices.Add(id, conn)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.deps.Notices.Remove(id, conn)
				return
			}
		}
	}()
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.requestLogger(r.Context()).Error("request_failed", "status", status, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var nerr *backend.NetworkError
	switch {
	case errors.Is(err, lifecycle.ErrOTPLocked):
		return http.StatusLocked
	case errors.Is(err, lifecycle.ErrInvalidOTP):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrConflict), errors.Is(err, lifecycle.ErrStageOrder):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrNoAssignment), errors.Is(err, lifecycle.ErrUnknownOffer):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &nerr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
