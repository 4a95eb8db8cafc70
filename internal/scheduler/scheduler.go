// Package scheduler pairs queued jobs with idle workers. It owns the
// ready queue and the in-flight dispatch set, reacts to enqueue, idle,
// result and worker-loss events, and enforces per-job wall timeouts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rezkam/gridx/internal/domain"
	"github.com/rezkam/gridx/internal/jobstore"
	"github.com/rezkam/gridx/internal/ledger"
	"github.com/rezkam/gridx/internal/protocol"
	"github.com/rezkam/gridx/internal/registry"
)

// errNotQueued signals that a job left the queued state between the
// ready-queue peek and the assignment commit.
var errNotQueued = errors.New("job no longer queued")

// Config holds the scheduler's tunables.
type Config struct {
	// WorkerReward is credited to the executing worker's owner on completion.
	WorkerReward decimal.Decimal
	// RequeueAttempts caps how many times a job may be dispatched before a
	// worker loss fails it outright.
	RequeueAttempts int
	// HeadSkipAttempts > 0 lets a pass scan past a head-of-queue job after
	// that many failed picks; 0 keeps strict FIFO.
	HeadSkipAttempts int
	// CancelGrace is how long a worker has to answer a timeout cancel
	// before it is forced offline.
	CancelGrace time.Duration
}

type inflight struct {
	workerID   string
	timer      *time.Timer
	graceTimer *time.Timer
}

// Scheduler matches the ready queue against the registry.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	ledger   *ledger.Ledger
	jobs     *jobstore.Store
	registry *registry.Registry

	mu        sync.Mutex
	queue     []string
	inflight  map[string]*inflight
	headSkips map[string]int

	// queueCh carries dispatch signals; buffered so signalling never blocks.
	queueCh  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler. Start must be called before events arrive.
func New(cfg Config, lgr *ledger.Ledger, jobs *jobstore.Store, reg *registry.Registry, logger *slog.Logger) *Scheduler {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 10 * time.Second
	}
	return &Scheduler{
		cfg:       cfg,
		logger:    logger,
		ledger:    lgr,
		jobs:      jobs,
		registry:  reg,
		inflight:  make(map[string]*inflight),
		headSkips: make(map[string]int),
		queueCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start recovers persisted work into the ready queue and launches the
// dispatch loop. Jobs left assigned or running by a previous coordinator
// run are returned to the queue first.
func (s *Scheduler) Start(ctx context.Context) error {
	orphaned, err := s.jobs.ListIDsByState(ctx, domain.JobStateAssigned, domain.JobStateRunning)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}
	for _, id := range orphaned {
		if _, err := s.jobs.Requeue(ctx, id); err != nil {
			return fmt.Errorf("failed to requeue orphaned job %s: %w", id, err)
		}
		s.logger.InfoContext(ctx, "requeued orphaned job", "job_id", id)
	}

	queued, err := s.jobs.ListIDsByState(ctx, domain.JobStateQueued)
	if err != nil {
		return fmt.Errorf("failed to recover ready queue: %w", err)
	}

	s.mu.Lock()
	s.queue = append(s.queue, queued...)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatchLoop()
	s.Kick()
	return nil
}

// Stop halts the dispatch loop and cancels outstanding timers. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inf := range s.inflight {
		inf.timer.Stop()
		if inf.graceTimer != nil {
			inf.graceTimer.Stop()
		}
	}
}

// Enqueue adds a job to the tail of the ready queue and triggers a
// dispatch pass.
func (s *Scheduler) Enqueue(jobID string) {
	s.mu.Lock()
	s.queue = append(s.queue, jobID)
	s.mu.Unlock()
	s.Kick()
}

// Kick triggers a dispatch pass. Used when a worker becomes idle, a
// result arrives or a worker is lost.
func (s *Scheduler) Kick() {
	select {
	case s.queueCh <- struct{}{}:
	default:
	}
}

// Depth returns the ready-queue length.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.queueCh:
			s.dispatchPass(context.Background())
		}
	}
}

// dispatchPass repeatedly matches the queue against idle workers until
// the queue drains or every eligible candidate has failed a pick. Jobs
// dispatch in submission order; a blocked head stalls the queue unless
// head-skip is configured.
func (s *Scheduler) dispatchPass(ctx context.Context) {
	tried := make(map[string]struct{})
	for {
		jobID, ok := s.nextCandidate(tried)
		if !ok {
			return
		}

		job, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			s.logger.ErrorContext(ctx, "dropping unreadable job from queue", "job_id", jobID, "error", err)
			s.removeFromQueue(jobID)
			continue
		}
		if job.State != domain.JobStateQueued {
			// Cancelled or failed while waiting; nothing to dispatch.
			s.removeFromQueue(jobID)
			continue
		}

		workerID, found := s.registry.PickIdle(job.Limits)
		if !found {
			s.noteBlocked(jobID, tried)
			continue
		}

		if err := s.dispatch(ctx, job, workerID); err != nil {
			if errors.Is(err, errNotQueued) {
				s.removeFromQueue(jobID)
				continue
			}
			// The job went back to queued; the next event (typically the
			// broken worker disconnecting) triggers another pass.
			s.logger.WarnContext(ctx, "dispatch failed",
				"job_id", jobID, "worker_id", workerID, "error", err)
			return
		}

		s.removeFromQueue(jobID)
		s.logger.InfoContext(ctx, "dispatched job", "job_id", jobID, "worker_id", workerID)
	}
}

// nextCandidate returns the next queue entry the pass should try. The
// head goes first; once it has failed this pass and exhausted its skip
// allowance, later entries not yet tried become eligible. Every
// candidate fails at most once per pass, so a pass with no satisfiable
// worker terminates instead of spinning.
func (s *Scheduler) nextCandidate(tried map[string]struct{}) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return "", false
	}

	head := s.queue[0]
	if _, done := tried[head]; !done {
		return head, true
	}
	if s.cfg.HeadSkipAttempts == 0 || s.headSkips[head] < s.cfg.HeadSkipAttempts {
		// Strict FIFO, or the head still has skip allowance: it keeps
		// blocking the queue until the next pass.
		return "", false
	}
	for _, id := range s.queue[1:] {
		if _, done := tried[id]; !done {
			return id, true
		}
	}
	return "", false
}

// noteBlocked records a failed pick for this pass's candidate.
func (s *Scheduler) noteBlocked(jobID string, tried map[string]struct{}) {
	tried[jobID] = struct{}{}
	if s.cfg.HeadSkipAttempts == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.headSkips[jobID]++
}

func (s *Scheduler) removeFromQueue(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.queue {
		if id == jobID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	delete(s.headSkips, jobID)
}

// dispatch commits the queued→assigned transition, reserves the worker
// slot and sends the assign frame. Any failure after the commit reverses
// it so the job stays dispatchable.
func (s *Scheduler) dispatch(ctx context.Context, job *domain.Job, workerID string) error {
	err := s.ledger.WithUnitOfWork(ctx, func(uow *ledger.UnitOfWork) error {
		ok, err := s.jobs.WithTx(uow.Tx()).Assign(ctx, job.ID, workerID)
		if err != nil {
			return err
		}
		if !ok {
			return errNotQueued
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.registry.Assign(workerID, job.ID); err != nil {
		s.revertAssignment(ctx, job.ID, "")
		return fmt.Errorf("worker %s vanished before assignment: %w", workerID, err)
	}

	sender, ok := s.registry.Sender(workerID)
	if !ok {
		s.revertAssignment(ctx, job.ID, workerID)
		return fmt.Errorf("worker %s has no transport: %w", workerID, domain.ErrWorkerLost)
	}

	frame := protocol.Assign{
		JobID:    job.ID,
		Language: string(job.Language),
		Code:     job.Code,
		Limits: protocol.Limits{
			TimeoutSeconds: int(job.Limits.Timeout.Seconds()),
			MemoryBytes:    job.Limits.MemoryBytes,
			CPUCores:       job.Limits.CPUCores,
			Accelerators:   job.Limits.Accelerators,
		},
	}
	if err := sender.Send(frame); err != nil {
		s.revertAssignment(ctx, job.ID, workerID)
		return fmt.Errorf("failed to send assign to worker %s: %w", workerID, err)
	}

	s.trackTimeout(job.ID, workerID, job.Limits.Timeout)
	return nil
}

func (s *Scheduler) revertAssignment(ctx context.Context, jobID, workerID string) {
	if workerID != "" {
		s.registry.Release(workerID, jobID)
	}
	if _, err := s.jobs.Requeue(ctx, jobID); err != nil {
		s.logger.ErrorContext(ctx, "failed to revert assignment", "job_id", jobID, "error", err)
	}
}

func (s *Scheduler) trackTimeout(jobID, workerID string, timeout time.Duration) {
	inf := &inflight{workerID: workerID}
	inf.timer = time.AfterFunc(timeout, func() {
		s.onTimeout(jobID, workerID, timeout)
	})

	s.mu.Lock()
	s.inflight[jobID] = inf
	s.mu.Unlock()
}

// untrack removes the in-flight entry and stops its timers. It returns
// the entry, or nil if the job was not in flight.
func (s *Scheduler) untrack(jobID string) *inflight {
	s.mu.Lock()
	defer s.mu.Unlock()

	inf, ok := s.inflight[jobID]
	if !ok {
		return nil
	}
	delete(s.inflight, jobID)
	inf.timer.Stop()
	if inf.graceTimer != nil {
		inf.graceTimer.Stop()
	}
	return inf
}

// untrackFor is untrack scoped to the worker the job was dispatched to.
// A result frame from anyone else leaves the live dispatch's timers
// armed.
func (s *Scheduler) untrackFor(jobID, workerID string) *inflight {
	s.mu.Lock()
	defer s.mu.Unlock()

	inf, ok := s.inflight[jobID]
	if !ok || inf.workerID != workerID {
		return nil
	}
	delete(s.inflight, jobID)
	inf.timer.Stop()
	if inf.graceTimer != nil {
		inf.graceTimer.Stop()
	}
	return inf
}

// HandleAck processes the worker's accept/reject answer to an assign.
// A rejection puts the job back on the queue immediately.
func (s *Scheduler) HandleAck(ctx context.Context, workerID, jobID string, accepted bool, reason string) {
	if accepted {
		return
	}

	s.logger.InfoContext(ctx, "worker rejected assignment",
		"job_id", jobID, "worker_id", workerID, "reason", reason)

	s.untrack(jobID)
	s.registry.Release(workerID, jobID)
	s.requeueOrFail(ctx, jobID, fmt.Sprintf("worker rejected assignment: %s", reason))
	s.Kick()
}

// HandleProgress advances an assigned job to running.
func (s *Scheduler) HandleProgress(ctx context.Context, workerID, jobID, phase string) {
	if phase != "running" {
		return
	}
	ok, err := s.jobs.MarkRunning(ctx, jobID, workerID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mark job running", "job_id", jobID, "error", err)
		return
	}
	if !ok {
		s.logger.WarnContext(ctx, "stale progress frame discarded", "job_id", jobID, "worker_id", workerID)
	}
}

// HandleResult commits a job's terminal state and, on success, the
// worker owner's reward in the same unit of work. The terminal write is
// scoped to the reporting worker: a duplicate result, or a stale one
// from a worker the job was requeued away from, is logged and discarded
// without crediting anyone. The worker gets its slot back either way.
func (s *Scheduler) HandleResult(ctx context.Context, workerID, jobID string, exitCode int, stdout, stderr string) error {
	s.untrackFor(jobID, workerID)
	defer func() {
		s.registry.Release(workerID, jobID)
		s.Kick()
	}()

	state := domain.JobStateCompleted
	if exitCode != 0 {
		state = domain.JobStateFailed
	}

	owner, haveOwner := s.registry.Owner(workerID)

	var applied bool
	err := s.ledger.WithUnitOfWork(ctx, func(uow *ledger.UnitOfWork) error {
		var err error
		applied, err = s.jobs.WithTx(uow.Tx()).SetTerminalFromWorker(ctx, jobID, workerID, state, stdout, stderr, &exitCode, time.Now().UTC())
		if err != nil {
			return err
		}
		if !applied || state != domain.JobStateCompleted {
			return nil
		}
		if !haveOwner {
			return fmt.Errorf("no owner for worker %s: %w", workerID, domain.ErrWorkerLost)
		}
		return uow.Credit(ctx, owner, s.cfg.WorkerReward, jobID)
	})
	if err != nil {
		return fmt.Errorf("failed to commit result for job %s: %w", jobID, err)
	}

	if !applied {
		s.logger.InfoContext(ctx, "duplicate or stale result discarded",
			"job_id", jobID, "worker_id", workerID)
		return nil
	}

	s.logger.InfoContext(ctx, "job reached terminal state",
		"job_id", jobID, "state", string(state), "exit_code", exitCode)
	return nil
}

// HandleWorkerLoss requeues every job the lost session was holding.
func (s *Scheduler) HandleWorkerLoss(ctx context.Context, workerID string, heldJobs []string) {
	for _, jobID := range heldJobs {
		s.untrack(jobID)
		s.requeueOrFail(ctx, jobID, "worker lost during execution")
	}
	if len(heldJobs) > 0 {
		s.Kick()
	}
}

// requeueOrFail returns the job to the queue, or fails it once its
// dispatch attempts are exhausted. Exhaustion does not refund the
// submitter; the debit stands per the at-least-once contract.
func (s *Scheduler) requeueOrFail(ctx context.Context, jobID, reason string) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load job for requeue", "job_id", jobID, "error", err)
		return
	}
	if job.State.Terminal() {
		return
	}

	if job.Attempts > s.cfg.RequeueAttempts {
		exit := -1
		stderr := fmt.Sprintf("worker_lost: %s (attempts exhausted after %d)", reason, job.Attempts)
		if _, err := s.jobs.SetTerminal(ctx, jobID, domain.JobStateFailed, "", stderr, &exit, time.Now().UTC()); err != nil {
			s.logger.ErrorContext(ctx, "failed to fail exhausted job", "job_id", jobID, "error", err)
		}
		s.logger.WarnContext(ctx, "job failed after exhausting requeue attempts",
			"job_id", jobID, "attempts", job.Attempts)
		return
	}

	ok, err := s.jobs.Requeue(ctx, jobID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to requeue job", "job_id", jobID, "error", err)
		return
	}
	if ok {
		s.Enqueue(jobID)
		s.logger.InfoContext(ctx, "requeued job", "job_id", jobID, "reason", reason)
	}
}

// onTimeout fires when a dispatched job exceeds its wall clock. The
// coordinator's timer is authoritative: the job fails now, the worker is
// told to cancel and gets a grace period to come back before being
// forced offline.
func (s *Scheduler) onTimeout(jobID, workerID string, timeout time.Duration) {
	ctx := context.Background()

	exit := 124
	stderr := fmt.Sprintf("timeout: job exceeded wall clock of %s", timeout)
	applied, err := s.jobs.SetTerminal(ctx, jobID, domain.JobStateFailed, "", stderr, &exit, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to fail timed-out job", "job_id", jobID, "error", err)
		return
	}
	if !applied {
		// Result won the race; nothing to cancel.
		return
	}

	s.logger.WarnContext(ctx, "job timed out", "job_id", jobID, "worker_id", workerID, "timeout", timeout)

	if sender, ok := s.registry.Sender(workerID); ok {
		if err := sender.Send(protocol.Cancel{JobID: jobID, Reason: "timeout"}); err != nil {
			s.logger.WarnContext(ctx, "failed to send cancel", "job_id", jobID, "worker_id", workerID, "error", err)
		}
	}

	grace := time.AfterFunc(s.cfg.CancelGrace, func() {
		s.onCancelGraceElapsed(jobID, workerID)
	})

	s.mu.Lock()
	if inf, ok := s.inflight[jobID]; ok {
		inf.graceTimer = grace
	} else {
		s.inflight[jobID] = &inflight{workerID: workerID, timer: grace, graceTimer: grace}
	}
	s.mu.Unlock()
}

// onCancelGraceElapsed forces the worker offline when it never answered
// a timeout cancel. Its other held jobs go back to the queue.
func (s *Scheduler) onCancelGraceElapsed(jobID, workerID string) {
	ctx := context.Background()

	info, ok := s.registry.Get(workerID)
	if !ok {
		return
	}

	stillHeld := false
	if _, err := s.jobs.Get(ctx, jobID); err == nil {
		s.mu.Lock()
		_, stillHeld = s.inflight[jobID]
		s.mu.Unlock()
	}
	if !stillHeld {
		return
	}

	s.untrack(jobID)
	s.logger.WarnContext(ctx, "worker ignored cancel, forcing offline",
		"job_id", jobID, "worker_id", workerID, "status", string(info.Status))

	held := s.registry.Disconnect(workerID)
	remaining := held[:0]
	for _, id := range held {
		if id != jobID {
			remaining = append(remaining, id)
		}
	}
	s.HandleWorkerLoss(ctx, workerID, remaining)
	s.Kick()
}
