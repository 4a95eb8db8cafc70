// Package httpapi exposes the coordinator's request/response surface:
// job submission and polling, balances, worker listings and health.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/rezkam/gridx/internal/coordinator"
	"github.com/rezkam/gridx/internal/domain"
	"github.com/rezkam/gridx/internal/httpapi/response"
)

// Service is the coordinator surface the API depends on.
type Service interface {
	SubmitJob(ctx context.Context, req coordinator.SubmitRequest) (string, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, submitter string, limit int) ([]domain.Job, error)
	CancelJob(ctx context.Context, id string) error
	Balance(ctx context.Context, account string) (decimal.Decimal, error)
	ListWorkers(ctx context.Context) ([]domain.WorkerInfo, error)
	GetStatus(ctx context.Context) (*coordinator.Status, error)
}

// Server handles the submission API.
type Server struct {
	svc          Service
	logger       *slog.Logger
	maxBodyBytes int64
}

// NewServer creates the API server. maxBodyBytes bounds request bodies;
// it should comfortably exceed the code cap to leave room for the JSON
// envelope.
func NewServer(svc Service, maxBodyBytes int64, logger *slog.Logger) *Server {
	return &Server{svc: svc, logger: logger, maxBodyBytes: maxBodyBytes}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.limitBody)

	r.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods(http.MethodDelete)
	r.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	r.HandleFunc("/credits/{id}", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return r
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

type submitJobRequest struct {
	Submitter      string `json:"submitter"`
	Code           string `json:"code"`
	Language       string `json:"language"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type submitJobResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.BadRequest(w, "request body too large")
			return
		}
		response.BadRequest(w, "malformed JSON body")
		return
	}

	jobID, err := s.svc.SubmitJob(r.Context(), coordinator.SubmitRequest{
		Submitter:      req.Submitter,
		Code:           req.Code,
		Language:       req.Language,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	response.Created(w, submitJobResponse{JobID: jobID})
}

type jobResponse struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	Submitter      string `json:"submitter"`
	Language       string `json:"language"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	AssignedWorker string `json:"assigned_worker,omitempty"`
	Stdout         string `json:"stdout"`
	Stderr         string `json:"stderr"`
	ExitCode       *int   `json:"exit_code"`
	Attempts       int    `json:"attempts"`
	CreatedAt      string `json:"created_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

func toJobResponse(job *domain.Job) jobResponse {
	out := jobResponse{
		ID:             job.ID,
		State:          string(job.State),
		Submitter:      job.Submitter.String(),
		Language:       string(job.Language),
		TimeoutSeconds: int(job.Limits.Timeout.Seconds()),
		AssignedWorker: job.AssignedWorker,
		Stdout:         job.Stdout,
		Stderr:         job.Stderr,
		ExitCode:       job.ExitCode,
		Attempts:       job.Attempts,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toJobResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	submitter := r.URL.Query().Get("submitter")
	if submitter == "" {
		response.BadRequest(w, "submitter query parameter is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			response.BadRequest(w, "limit must be an integer")
			return
		}
		limit = parsed
	}

	jobs, err := s.svc.ListJobs(r.Context(), submitter, limit)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, toJobResponse(&jobs[i]))
	}
	response.OK(w, map[string]any{"jobs": out})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelJob(r.Context(), mux.Vars(r)["id"]); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

type workerResponse struct {
	ID           string              `json:"id"`
	Owner        string              `json:"owner"`
	Status       string              `json:"status"`
	Capabilities domain.Capabilities `json:"capabilities"`
	LastSeen     string              `json:"last_seen"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.svc.ListWorkers(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	out := make([]workerResponse, 0, len(workers))
	for _, info := range workers {
		out = append(out, workerResponse{
			ID:           info.ID,
			Owner:        info.Owner.String(),
			Status:       string(info.Status),
			Capabilities: info.Capabilities,
			LastSeen:     info.LastSeen.Format(time.RFC3339),
		})
	}
	response.OK(w, map[string]any{"workers": out})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["id"]
	balance, err := s.svc.Balance(r.Context(), account)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{
		"account_id": account,
		"balance":    balance.String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, map[string]any{
		"status": "healthy",
		"ts":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.GetStatus(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	jobs := make(map[string]int, len(status.JobsByState))
	for state, n := range status.JobsByState {
		jobs[string(state)] = n
	}
	response.OK(w, map[string]any{
		"workers": map[string]int{
			"total":   status.WorkersTotal,
			"idle":    status.WorkersIdle,
			"busy":    status.WorkersBusy,
			"offline": status.WorkersOffline,
		},
		"queue_depth": status.QueueDepth,
		"jobs":        jobs,
		"ts":          status.Timestamp.Format(time.RFC3339),
	})
}
