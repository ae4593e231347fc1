// Package api exposes the narrow collaborator surface of the scheduler:
// submit a job, query its status, append and read log entries, cancel.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"usb-media-scheduler/internal/models"
	"usb-media-scheduler/internal/ratelimit"
	"usb-media-scheduler/internal/store"
	"usb-media-scheduler/internal/telemetry"
)

// Server wires HTTP handlers for the producer API.
type Server struct {
	store    store.Store
	limiter  *ratelimit.TokenBucket
	validate *validator.Validate
	log      *zap.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(st store.Store, limiter *ratelimit.TokenBucket, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:    st,
		limiter:  limiter,
		validate: validator.New(),
		log:      logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{token}", s.handleStatus)
	r.Get("/jobs/{token}/logs", s.handleListLogs)
	r.Post("/jobs/{token}/logs", s.handleAppendLog)
	r.Post("/jobs/{token}/cancel", s.handleCancel)
	return r
}

type submitRequest struct {
	OrderRef       string         `json:"order_ref" validate:"required"`
	Capacity       string         `json:"capacity" validate:"required"`
	Preferences    map[string]any `json:"preferences"`
	ContentPlanRef string         `json:"content_plan_ref"`
	VolumeLabel    string         `json:"volume_label"`
	DeviceID       string         `json:"device_id"`
}

type submitResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			http.Error(w, verrs[0].Field()+" failed '"+verrs[0].Tag()+"' validation", http.StatusBadRequest)
			return
		}
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowOrder(r.Context(), req.OrderRef)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		OrderRef:       req.OrderRef,
		Capacity:       req.Capacity,
		Preferences:    req.Preferences,
		ContentPlanRef: req.ContentPlanRef,
		VolumeLabel:    req.VolumeLabel,
		DeviceID:       req.DeviceID,
	})
	if err != nil {
		s.log.Error("create job failed", zap.String("order_ref", req.OrderRef), zap.Error(err))
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsSubmitted.Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{Token: job.Token, Status: job.Status})
}

type statusResponse struct {
	Status     string  `json:"status"`
	Progress   int     `json:"progress"`
	FailReason *string `json:"fail_reason,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     job.Status,
		Progress:   job.Progress,
		FailReason: job.FailReason,
	})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.ListLogs(r.Context(), job.ID, limit)
	if err != nil {
		http.Error(w, "failed to read logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type appendLogRequest struct {
	Level         string         `json:"level"`
	Category      string         `json:"category"`
	Message       string         `json:"message" validate:"required"`
	Details       map[string]any `json:"details"`
	FilePath      *string        `json:"file_path"`
	FileSize      *int64         `json:"file_size"`
	ErrorCode     *string        `json:"error_code"`
	CorrelationID *string        `json:"correlation_id"`
}

func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	var req appendLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	err := s.store.AppendLog(r.Context(), models.LogEntry{
		JobID:         job.ID,
		Level:         req.Level,
		Category:      req.Category,
		Message:       req.Message,
		Details:       req.Details,
		FilePath:      req.FilePath,
		FileSize:      req.FileSize,
		ErrorCode:     req.ErrorCode,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		http.Error(w, "failed to append log", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	ok, err := s.store.CancelJob(r.Context(), token)
	if err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job is not cancelable", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCanceled})
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	token := chi.URLParam(r, "token")
	job, err := s.store.GetJobByToken(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return models.Job{}, false
	}
	if err != nil {
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return models.Job{}, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
