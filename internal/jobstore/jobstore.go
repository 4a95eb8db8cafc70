// Package jobstore persists job records and enforces the lifecycle
// state machine with conditional updates: a transition the lifecycle
// forbids matches zero rows and changes nothing.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rezkam/gridx/internal/domain"
	"github.com/rezkam/gridx/internal/storage"
)

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists jobs over the shared store.
type Store struct {
	q  dbtx
	db *storage.DB
}

// New creates a Store bound to the connection pool.
func New(db *storage.DB) *Store {
	return &Store{q: db, db: db}
}

// WithTx returns a Store whose operations run inside tx, so a job
// mutation can join a ledger unit of work.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{q: tx, db: s.db}
}

// Create inserts a new queued job. A duplicate id is a conflict.
func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	query := s.db.Rebind(`
		INSERT INTO jobs (id, submitter, language, code, timeout_ms, memory_bytes,
			cpu_cores, accelerators, state, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	res, err := s.q.ExecContext(ctx, query,
		job.ID, job.Submitter.String(), string(job.Language), job.Code,
		job.Limits.Timeout.Milliseconds(), job.Limits.MemoryBytes,
		job.Limits.CPUCores, job.Limits.Accelerators,
		string(job.State), job.Attempts, job.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read create result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrConflict)
	}
	return nil
}

const jobColumns = `id, submitter, language, code, timeout_ms, memory_bytes,
	cpu_cores, accelerators, state, assigned_worker, stdout, stderr,
	exit_code, attempts, created_at, completed_at`

// Get returns the job or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := s.db.Rebind("SELECT " + jobColumns + " FROM jobs WHERE id = ?")
	job, err := scanJob(s.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListBySubmitter returns a submitter's jobs, newest first.
func (s *Store) ListBySubmitter(ctx context.Context, submitter domain.AccountID, limit int) ([]domain.Job, error) {
	query := s.db.Rebind("SELECT " + jobColumns +
		" FROM jobs WHERE submitter = ? ORDER BY created_at DESC, id DESC LIMIT ?")
	rows, err := s.q.QueryContext(ctx, query, submitter.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ListIDsByState returns job ids in the given states, oldest first.
// The scheduler uses it to rebuild the ready queue after a restart.
func (s *Store) ListIDsByState(ctx context.Context, states ...domain.JobState) ([]string, error) {
	if len(states) == 0 {
		return nil, nil
	}

	query := "SELECT id FROM jobs WHERE state IN (" + placeholders(len(states)) +
		") ORDER BY created_at, id"
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}

	rows, err := s.q.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByState returns the number of jobs per state.
func (s *Store) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[domain.JobState(state)] = n
	}
	return counts, rows.Err()
}

// Assign moves a queued job to assigned, attaches the worker and bumps
// the attempt counter. Returns false if the job was not queued.
func (s *Store) Assign(ctx context.Context, id, workerID string) (bool, error) {
	query := s.db.Rebind(`
		UPDATE jobs SET state = ?, assigned_worker = ?, attempts = attempts + 1
		WHERE id = ? AND state = ?`)
	return s.conditional(ctx, query,
		string(domain.JobStateAssigned), workerID, id, string(domain.JobStateQueued))
}

// MarkRunning moves an assigned job to running for the named worker.
func (s *Store) MarkRunning(ctx context.Context, id, workerID string) (bool, error) {
	query := s.db.Rebind(`
		UPDATE jobs SET state = ?
		WHERE id = ? AND state = ? AND assigned_worker = ?`)
	return s.conditional(ctx, query,
		string(domain.JobStateRunning), id, string(domain.JobStateAssigned), workerID)
}

// Requeue returns an assigned or running job to the queue and clears
// its worker pointer, preserving the attempt counter.
func (s *Store) Requeue(ctx context.Context, id string) (bool, error) {
	query := s.db.Rebind(`
		UPDATE jobs SET state = ?, assigned_worker = NULL
		WHERE id = ? AND state IN (?, ?)`)
	return s.conditional(ctx, query,
		string(domain.JobStateQueued), id,
		string(domain.JobStateAssigned), string(domain.JobStateRunning))
}

// CancelQueued cancels a job that has not been dispatched yet.
func (s *Store) CancelQueued(ctx context.Context, id string) (bool, error) {
	query := s.db.Rebind(`
		UPDATE jobs SET state = ?, completed_at = ?
		WHERE id = ? AND state = ?`)
	return s.conditional(ctx, query,
		string(domain.JobStateCancelled), time.Now().UnixMilli(),
		id, string(domain.JobStateQueued))
}

// SetTerminal moves a non-terminal job to completed or failed and stores
// its outputs. Returns false when the job is already terminal, which is
// how duplicate result frames become no-ops.
func (s *Store) SetTerminal(ctx context.Context, id string, state domain.JobState,
	stdout, stderr string, exitCode *int, completedAt time.Time) (bool, error) {

	if !state.Terminal() {
		return false, fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, state)
	}

	var exit any
	if exitCode != nil {
		exit = *exitCode
	}

	query := s.db.Rebind(`
		UPDATE jobs SET state = ?, stdout = ?, stderr = ?, exit_code = ?, completed_at = ?
		WHERE id = ? AND state IN (?, ?, ?)`)
	return s.conditional(ctx, query,
		string(state), stdout, stderr, exit, completedAt.UnixMilli(), id,
		string(domain.JobStateQueued), string(domain.JobStateAssigned),
		string(domain.JobStateRunning))
}

// SetTerminalFromWorker is SetTerminal for worker-reported results: the
// transition only commits while the reporting worker is still attached
// to the job. A result arriving after the job was requeued to another
// worker matches zero rows, so it neither overwrites the holder's
// outcome nor earns the reporter a reward.
func (s *Store) SetTerminalFromWorker(ctx context.Context, id, workerID string, state domain.JobState,
	stdout, stderr string, exitCode *int, completedAt time.Time) (bool, error) {

	if !state.Terminal() {
		return false, fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, state)
	}

	var exit any
	if exitCode != nil {
		exit = *exitCode
	}

	query := s.db.Rebind(`
		UPDATE jobs SET state = ?, stdout = ?, stderr = ?, exit_code = ?, completed_at = ?
		WHERE id = ? AND assigned_worker = ? AND state IN (?, ?)`)
	return s.conditional(ctx, query,
		string(state), stdout, stderr, exit, completedAt.UnixMilli(), id, workerID,
		string(domain.JobStateAssigned), string(domain.JobStateRunning))
}

func (s *Store) conditional(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}
	return affected > 0, nil
}

func placeholders(n int) string {
	switch n {
	case 0:
		return ""
	case 1:
		return "?"
	}
	out := make([]byte, 0, 2*n)
	for i := range n {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job         domain.Job
		submitter   string
		language    string
		timeoutMS   int64
		state       string
		worker      sql.NullString
		exitCode    sql.NullInt64
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&job.ID, &submitter, &language, &job.Code, &timeoutMS,
		&job.Limits.MemoryBytes, &job.Limits.CPUCores, &job.Limits.Accelerators,
		&state, &worker, &job.Stdout, &job.Stderr, &exitCode, &job.Attempts,
		&createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Submitter = domain.AccountID(submitter)
	job.Language = domain.Language(language)
	job.Limits.Timeout = time.Duration(timeoutMS) * time.Millisecond
	job.State = domain.JobState(state)
	job.AssignedWorker = worker.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	if completedAt.Valid {
		done := time.UnixMilli(completedAt.Int64).UTC()
		job.CompletedAt = &done
	}
	return &job, nil
}
