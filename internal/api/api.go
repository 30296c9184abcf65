// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/orchestrator"
	"github.com/msageha/conductor/internal/signing"
)

const maxBodyBytes = 1 << 20

// Service is the part of the orchestrator the API drives.
type Service interface {
	CreateTask(ctx context.Context, req model.CreateTaskRequest) (model.Task, error)
	CancelTask(ctx context.Context, id string) (model.Task, error)
	CompleteTask(id string, outcome model.Outcome) (model.Task, error)
	GetTask(id string) (model.Task, error)
	ListTasks(status model.Status) []model.Task
	Health() orchestrator.Health
}

type Config struct {
	// ReportSecret authenticates session self-reports on /tasks/{id}/complete.
	// Empty disables the route.
	ReportSecret string
	// RetryAfter is advertised on CAPACITY_EXCEEDED responses.
	RetryAfter time.Duration
}

type Server struct {
	svc    Service
	cfg    Config
	logger *zap.Logger
}

func New(svc Service, cfg Config, logger *zap.Logger) *Server {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	return &Server{svc: svc, cfg: cfg, logger: logger}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/complete", s.handleComplete)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, string(model.KindNotFound), "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, string(model.KindValidation), "method not allowed")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTaskRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, model.WrapError(model.KindValidation, "invalid request body", err))
		return
	}
	task, err := s.svc.CreateTask(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	if status != "" && !model.IsKnownStatus(status) {
		s.fail(w, r, model.NewError(model.KindValidation, "unknown status "+strconv.Quote(string(status))))
		return
	}
	tasks := s.svc.ListTasks(status)
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.CancelTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": task})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ReportSecret == "" {
		writeError(w, http.StatusNotFound, string(model.KindNotFound), "session reports are disabled")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, model.WrapError(model.KindValidation, "read body", err))
		return
	}
	if err := signing.Verify(s.cfg.ReportSecret, body, r.Header.Get(signing.HeaderSignature)); err != nil {
		s.logger.Warn("report_signature_rejected",
			zap.String("task_id", chi.URLParam(r, "id")),
			zap.String("remote", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid signature")
		return
	}
	var outcome model.Outcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		s.fail(w, r, model.WrapError(model.KindValidation, "invalid request body", err))
		return
	}
	task, err := s.svc.CompleteTask(chi.URLParam(r, "id"), outcome)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": task})
}

// fail maps a typed error to its status code and writes the envelope.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	code := statusFor(kind)
	if kind == model.KindCapacityExceeded {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RetryAfter.Seconds())))
	}
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		s.logger.Error("request_failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	msg := err.Error()
	var e *model.Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
	}
	writeError(w, code, string(kind), msg)
}

func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindDuplicate, model.KindInvalidTransition:
		return http.StatusConflict
	case model.KindCapacityExceeded:
		return http.StatusTooManyRequests
	case model.KindUnavailable, model.KindTokenAcquisitionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Code: kind, Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body; unknown fields are ignored.
func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}
