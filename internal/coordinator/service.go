// Package coordinator wires the ledger, job store, registry and
// scheduler behind the submission API's operations. It owns the
// submission unit of work and the background liveness sweeper.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rezkam/gridx/internal/config"
	"github.com/rezkam/gridx/internal/domain"
	"github.com/rezkam/gridx/internal/jobstore"
	"github.com/rezkam/gridx/internal/ledger"
	"github.com/rezkam/gridx/internal/registry"
	"github.com/rezkam/gridx/internal/scheduler"
	"github.com/rezkam/gridx/internal/workerstore"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Service is the coordinator's single explicit state holder; every
// surface (HTTP, sessions, sweeper) operates through it.
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	ledger   *ledger.Ledger
	jobs     *jobstore.Store
	workers  *workerstore.Store
	registry *registry.Registry
	sched    *scheduler.Scheduler

	// enqueue seam: the refund path on post-commit enqueue failure is
	// exercised by overriding this in tests.
	enqueue func(jobID string) error
}

// New creates the Service.
func New(cfg *config.Config, lgr *ledger.Ledger, jobs *jobstore.Store,
	workers *workerstore.Store, reg *registry.Registry, sched *scheduler.Scheduler,
	logger *slog.Logger) *Service {

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		ledger:   lgr,
		jobs:     jobs,
		workers:  workers,
		registry: reg,
		sched:    sched,
	}
	s.enqueue = func(jobID string) error {
		sched.Enqueue(jobID)
		return nil
	}
	return s
}

// SubmitRequest carries a validated-on-entry job submission.
type SubmitRequest struct {
	Submitter      string
	Code           string
	Language       string
	TimeoutSeconds int
}

// SubmitJob charges the submitter and creates the queued job in one unit
// of work, then hands the id to the scheduler. A post-commit enqueue
// failure refunds the debit in a separate unit of work and fails the
// job; that is the only legal source of a refund.
func (s *Service) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	submitter, err := domain.NewAccountID(req.Submitter)
	if err != nil {
		return "", err
	}
	if req.Code == "" {
		return "", fmt.Errorf("%w: code must not be empty", domain.ErrInvalidInput)
	}
	if int64(len(req.Code)) > s.cfg.MaxCodeBytes {
		return "", fmt.Errorf("%w: code exceeds %d bytes", domain.ErrInvalidInput, s.cfg.MaxCodeBytes)
	}
	language, err := domain.NewLanguage(req.Language)
	if err != nil {
		return "", err
	}

	timeout := s.cfg.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
		if timeout > s.cfg.MaxTimeout {
			return "", fmt.Errorf("%w: timeout exceeds maximum of %s", domain.ErrInvalidInput, s.cfg.MaxTimeout)
		}
	}

	job := &domain.Job{
		ID:        uuid.NewString(),
		Submitter: submitter,
		Language:  language,
		Code:      req.Code,
		Limits:    domain.JobLimits{Timeout: timeout},
		State:     domain.JobStateQueued,
		CreatedAt: time.Now().UTC(),
	}

	err = s.ledger.WithUnitOfWork(ctx, func(uow *ledger.UnitOfWork) error {
		if err := uow.EnsureAccount(ctx, submitter); err != nil {
			return err
		}
		if err := uow.Debit(ctx, submitter, s.cfg.JobCost, job.ID); err != nil {
			return err
		}
		return s.jobs.WithTx(uow.Tx()).Create(ctx, job)
	})
	if err != nil {
		return "", err
	}

	if err := s.enqueue(job.ID); err != nil {
		s.compensateFailedEnqueue(ctx, job.ID, submitter, err)
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.InfoContext(ctx, "job submitted",
		"job_id", job.ID, "submitter", submitter.String(), "language", string(language))
	return job.ID, nil
}

func (s *Service) compensateFailedEnqueue(ctx context.Context, jobID string, submitter domain.AccountID, cause error) {
	s.logger.ErrorContext(ctx, "enqueue failed after commit, refunding",
		"job_id", jobID, "submitter", submitter.String(), "error", cause)

	exit := -1
	err := s.ledger.WithUnitOfWork(ctx, func(uow *ledger.UnitOfWork) error {
		applied, err := s.jobs.WithTx(uow.Tx()).SetTerminal(ctx, jobID, domain.JobStateFailed,
			"", fmt.Sprintf("internal: failed to enqueue: %v", cause), &exit, time.Now().UTC())
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		return uow.Refund(ctx, submitter, s.cfg.JobCost, jobID)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to compensate enqueue failure", "job_id", jobID, "error", err)
	}
}

// GetJob returns the job record.
func (s *Service) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if err := domain.ValidateJobID(id); err != nil {
		return nil, err
	}
	return s.jobs.Get(ctx, id)
}

// ListJobs returns a submitter's recent jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, submitter string, limit int) ([]domain.Job, error) {
	id, err := domain.NewAccountID(submitter)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.jobs.ListBySubmitter(ctx, id, limit)
}

// CancelJob cancels a job that is still queued. Dispatched jobs cannot
// be cancelled through this path.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	if err := domain.ValidateJobID(id); err != nil {
		return err
	}

	ok, err := s.jobs.CancelQueued(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job is %s, only queued jobs can be cancelled", domain.ErrConflict, job.State)
	}

	s.logger.InfoContext(ctx, "job cancelled", "job_id", id)
	return nil
}

// Balance returns an account's committed balance.
func (s *Service) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	id, err := domain.NewAccountID(account)
	if err != nil {
		return decimal.Zero, err
	}
	return s.ledger.Balance(ctx, id)
}

// ListWorkers returns every known worker. Live sessions override the
// persisted row so status is current between heartbeats.
func (s *Service) ListWorkers(ctx context.Context) ([]domain.WorkerInfo, error) {
	persisted, err := s.workers.List(ctx)
	if err != nil {
		return nil, err
	}

	live := make(map[string]domain.WorkerInfo)
	for _, info := range s.registry.Snapshot() {
		live[info.ID] = info
	}

	out := make([]domain.WorkerInfo, 0, len(persisted))
	for _, w := range persisted {
		if info, ok := live[w.ID]; ok {
			out = append(out, info)
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	WorkersTotal   int
	WorkersIdle    int
	WorkersBusy    int
	WorkersOffline int
	QueueDepth     int
	JobsByState    map[domain.JobState]int
	Timestamp      time.Time
}

// GetStatus reports worker totals, queue depth and job counts.
func (s *Service) GetStatus(ctx context.Context) (*Status, error) {
	jobCounts, err := s.jobs.CountByState(ctx)
	if err != nil {
		return nil, err
	}

	counts := s.registry.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}

	return &Status{
		WorkersTotal:   total,
		WorkersIdle:    counts[domain.WorkerStatusIdle],
		WorkersBusy:    counts[domain.WorkerStatusBusy],
		WorkersOffline: counts[domain.WorkerStatusOffline],
		QueueDepth:     s.sched.Depth(),
		JobsByState:    jobCounts,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// RunSweeper marks silent sessions offline at a fixed cadence, requeues
// the jobs they held and expires identities that never came back. It
// blocks until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	result := s.registry.Sweep(s.cfg.StaleThreshold, s.cfg.ExpireThreshold)

	for _, lost := range result.WentOffline {
		s.logger.WarnContext(ctx, "worker went stale",
			"worker_id", lost.ID, "held_jobs", len(lost.HeldJobs))
		if err := s.workers.SetStatus(ctx, lost.ID, domain.WorkerStatusOffline, time.Now().UTC()); err != nil {
			s.logger.ErrorContext(ctx, "failed to persist stale worker", "worker_id", lost.ID, "error", err)
		}
		s.sched.HandleWorkerLoss(ctx, lost.ID, lost.HeldJobs)
	}

	for _, id := range result.Removed {
		s.logger.InfoContext(ctx, "expired worker removed from registry", "worker_id", id)
	}
}
