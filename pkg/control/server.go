package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pointerguard/pkg/audit"
	"pointerguard/pkg/auth"
	"pointerguard/pkg/escalation"
	"pointerguard/pkg/ingest"
	"pointerguard/pkg/lifecycle"
	"pointerguard/pkg/metrics"
	"pointerguard/pkg/notify"
	otelobs "pointerguard/pkg/observability/otel"
	"pointerguard/pkg/scoring"
	"pointerguard/pkg/store"
	"pointerguard/pkg/structlog"
)

// StateReader exposes alert state snapshots.
type StateReader interface {
	State(identity string) escalation.AlertState
	States() []escalation.AlertState
}

type Deps struct {
	Log        *structlog.Logger
	Dispatcher *Dispatcher
	Alerts     StateReader
	Monitor    Monitor
	Audit      store.AuditStore
	// Ingest enables POST /v1/events when set.
	Ingest *ingest.Pipeline
	// Auth enables bearer tokens when set. Reads need the viewer or
	// operator role, commands need operator.
	Auth *auth.Middleware
}

type Config struct{ Addr string }

type Server struct {
	d Deps
	c Config
}

func NewServer(d Deps, c Config) *Server {
	if d.Log == nil {
		d.Log = structlog.Nop()
	}
	return &Server{d: d, c: c}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(otelobs.HTTPTraceLogMiddleware(s.d.Log.Component("http")))
	if s.d.Auth != nil {
		r.Use(s.d.Auth.Authenticate)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { metrics.Handler().ServeHTTP(w, r) })

	r.Group(func(r chi.Router) {
		r.Use(s.role(auth.RoleViewer, auth.RoleOperator))
		r.Get("/v1/state", s.handleStates)
		r.Get("/v1/monitored", s.handleMonitored)
		r.Get("/v1/identities/{id}/state", s.handleState)
		r.Get("/v1/identities/{id}/scores", s.handleScores)
		r.Get("/v1/identities/{id}/actions", s.handleActions)
		r.Get("/v1/identities/{id}/actions.csv", s.handleActionsCSV)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.role(auth.RoleOperator))
		r.Post("/v1/commands", s.handleCommand)
		r.Post("/v1/identities/{id}/retrain", s.command(CmdRetrain))
		r.Post("/v1/identities/{id}/alert", s.handleManualAlert)
		r.Post("/v1/identities/{id}/cancel", s.command(CmdCancelCountdown))
		r.Post("/v1/identities/{id}/reset", s.command(CmdResetAlerts))
		r.Put("/v1/identities/{id}/monitor", s.command(CmdStartMonitor))
		r.Delete("/v1/identities/{id}/monitor", s.command(CmdStopMonitor))
		r.Post("/v1/quit", s.command(CmdQuit))
		if s.d.Ingest != nil {
			r.Post("/v1/events", s.handleEvents)
		}
	})
	return otelobs.WrapHTTPHandler("pointerguard-control", r)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.c.Addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.d.Log.Info().Str("addr", s.c.Addr).Msg("http listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) role(roles ...string) func(http.Handler) http.Handler {
	if s.d.Auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.d.Auth.RequireRole(roles...)
}

func operator(r *http.Request) string {
	if c := auth.ClaimsFromContext(r.Context()); c != nil {
		return c.Operator
	}
	return "anonymous"
}

type commandRequest struct {
	Command    string `json:"command"`
	IdentityID string `json:"identity_id"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var in commandRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	kind, err := ParseKind(in.Command)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd := Command{Kind: kind, IdentityID: in.IdentityID, Message: in.Message, Operator: operator(r)}
	if kind == CmdManualAlert {
		if cmd.Severity, err = parseSeverity(in.Severity); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	s.submit(w, r, cmd)
}

func (s *Server) command(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.submit(w, r, Command{Kind: kind, IdentityID: chi.URLParam(r, "id"), Operator: operator(r)})
	}
}

func (s *Server) handleManualAlert(w http.ResponseWriter, r *http.Request) {
	var in commandRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
	}
	sev, err := parseSeverity(in.Severity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.submit(w, r, Command{
		Kind:       CmdManualAlert,
		IdentityID: chi.URLParam(r, "id"),
		Severity:   sev,
		Message:    in.Message,
		Operator:   operator(r),
	})
}

// parseSeverity defaults to high, matching the manual alert hotkey.
func parseSeverity(s string) (notify.Severity, error) {
	if s == "" {
		return notify.SeverityHigh, nil
	}
	return notify.ParseSeverity(s)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd Command) {
	res, err := s.d.Dispatcher.Submit(r.Context(), cmd)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownCommand), errors.Is(err, ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escalation.ErrNoCountdown), errors.Is(err, scoring.ErrAlreadyMonitored):
		return http.StatusConflict
	case errors.Is(err, scoring.ErrNotMonitored):
		return http.StatusNotFound
	case errors.Is(err, ErrDispatcherStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.d.Alerts.States())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.d.Alerts.State(chi.URLParam(r, "id")))
}

func (s *Server) handleMonitored(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.d.Monitor.Monitored())
}

func limit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if n <= 0 {
		return 100
	}
	return n
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	recs, err := s.d.Audit.Scores(r.Context(), chi.URLParam(r, "id"), limit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.d.Audit.Actions(r.Context(), chi.URLParam(r, "id"), limit(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleActionsCSV(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recs, err := s.d.Audit.Actions(r.Context(), id, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+id+"-actions.csv")
	_ = audit.WriteCSV(w, recs)
}

// handleEvents ingests a JSONL body of raw pointer events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := ingest.ReadJSONL(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.d.Ingest.Run(r.Context(), events)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
