package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/gridx/internal/domain"
	"github.com/rezkam/gridx/internal/jobstore"
	"github.com/rezkam/gridx/internal/ledger"
	"github.com/rezkam/gridx/internal/protocol"
	"github.com/rezkam/gridx/internal/registry"
	"github.com/rezkam/gridx/internal/storage"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []any
	err    error
}

func (f *fakeSender) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, msg)
	return nil
}

func (f *fakeSender) assigns() []protocol.Assign {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Assign
	for _, frame := range f.frames {
		if a, ok := frame.(protocol.Assign); ok {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeSender) cancels() []protocol.Cancel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Cancel
	for _, frame := range f.frames {
		if c, ok := frame.(protocol.Cancel); ok {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	ledger   *ledger.Ledger
	jobs     *jobstore.Store
	registry *registry.Registry
	sched    *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db, err := storage.Open(context.Background(), storage.DBConfig{
		DSN: filepath.Join(t.TempDir(), "gridx.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if cfg.WorkerReward.IsZero() {
		cfg.WorkerReward = decimal.RequireFromString("0.8")
	}
	if cfg.RequeueAttempts == 0 {
		cfg.RequeueAttempts = 3
	}

	f := &fixture{
		ledger:   ledger.New(db, decimal.RequireFromString("100.0")),
		jobs:     jobstore.New(db),
		registry: registry.New(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.sched = New(cfg, f.ledger, f.jobs, f.registry, logger)

	require.NoError(t, f.ledger.EnsureAccount(context.Background(), "alice"))
	require.NoError(t, f.ledger.EnsureAccount(context.Background(), "bob"))

	require.NoError(t, f.sched.Start(context.Background()))
	t.Cleanup(f.sched.Stop)
	return f
}

func (f *fixture) submit(t *testing.T, timeout time.Duration) string {
	t.Helper()

	job := &domain.Job{
		ID:        uuid.NewString(),
		Submitter: "alice",
		Language:  domain.LanguagePython,
		Code:      "print(2+2)",
		Limits:    domain.JobLimits{Timeout: timeout},
		State:     domain.JobStateQueued,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	f.sched.Enqueue(job.ID)
	return job.ID
}

func (f *fixture) waitForState(t *testing.T, jobID string, state domain.JobState) *domain.Job {
	t.Helper()

	var got *domain.Job
	require.Eventually(t, func() bool {
		job, err := f.jobs.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = job
		return job.State == state
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, state)
	return got
}

func TestDispatch_SubmissionOrder(t *testing.T) {
	f := newFixture(t, Config{})
	sender := &fakeSender{}
	f.registry.Register("w1", "bob", domain.Capabilities{CPUCores: 4, Concurrency: 1}, sender)

	j1 := f.submit(t, time.Minute)
	j2 := f.submit(t, time.Minute)

	// One worker: J1 dispatches, J2 stays queued behind it.
	f.waitForState(t, j1, domain.JobStateAssigned)
	assigns := sender.assigns()
	require.Len(t, assigns, 1)
	assert.Equal(t, j1, assigns[0].JobID)
	assert.Equal(t, "python", assigns[0].Language)
	assert.Equal(t, 60, assigns[0].Limits.TimeoutSeconds)

	job2, err := f.jobs.Get(context.Background(), j2)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, job2.State)

	// J1 finishing frees the worker for J2.
	require.NoError(t, f.sched.HandleResult(context.Background(), "w1", j1, 0, "4\n", ""))
	f.waitForState(t, j2, domain.JobStateAssigned)
}

func TestHandleResult_CompletionPaysReward(t *testing.T) {
	f := newFixture(t, Config{})
	sender := &fakeSender{}
	f.registry.Register("w1", "bob", domain.Capabilities{Concurrency: 1}, sender)

	jobID := f.submit(t, time.Minute)
	f.waitForState(t, jobID, domain.JobStateAssigned)

	f.sched.HandleProgress(context.Background(), "w1", jobID, "running")
	require.NoError(t, f.sched.HandleResult(context.Background(), "w1", jobID, 0, "4\n", ""))

	job := f.waitForState(t, jobID, domain.JobStateCompleted)
	assert.Equal(t, "4\n", job.Stdout)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)

	balance, err := f.ledger.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("100.8")), balance.String())

	entries, err := f.ledger.Entries(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.EntryCredit, entries[0].Kind)
}

func TestHandleResult_NonZeroExitFailsWithoutReward(t *testing.T) {
	f := newFixture(t, Config{})
	sender := &fakeSender{}
	f.registry.Register("w1", "bob", domain.Capabilities{Concurrency: 1}, sender)

	jobID := f.submit(t, time.Minute)
	f.waitForState(t, jobID, domain.JobStateAssigned)

	require.NoError(t, f.sched.HandleResult(context.Background(), "w1", jobID, 1, "", "boom"))

	job := f.waitForState(t, jobID, domain.JobStateFailed)
	assert.Equal(t, "boom", job.Stderr)

	balance, err := f.ledger.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("100.0")), balance.String())
}

func TestHandleResult_DuplicateDiscarded(t *testing.T) {
	f := newFixture(t, Config{})
	sender := &fakeSender{}
	f.registry.Register("w1", "bob", domain.Capabilities{Concurrency: 1}, sender)

	jobID := f.submit(t, time.Minute)
	f.waitForState(t, jobID, domain.JobStateAssigned)

	require.NoError(t, f.sched.HandleResult(context.Background(), "w1", jobID, 0, "4\n", ""))
	require.NoError(t, f.sched.HandleResult(context.Background(), "w1", jobID, 1, "", "late"))

	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)
	assert.Equal(t, "4\n", job.Stdout)

	// Exactly one reward despite the duplicate.
	balance, err := f.ledger.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("100.8")), balance.String())
}

func TestHandleResult_StaleWorkerResultDiscarded(t *testing.T) {
	f := newFixture(t, Config{})
	sender := &fakeSender{}
	f.registry.Register("w1", "bob", domain.Capabilities{Concurrency: 1}, sender)

	jobID := f.submit(t, time.Minute)
	f.waitForState(t, jobID, domain.JobStateAssigned)

	// w1's transport drops mid-execution; the job goes back to the
	// queue and redispatches to w2.
	held := f.registry.Disconnect("w1")
	f.sched.HandleWorkerLoss(context.Background(), "w1", held)
	f.waitForState(t, jobID, domain.JobStateQueued)

	require.NoError(t, f.ledger.EnsureAccount(context.Background(), "carol"))
	f.registry.Register("w2", "carol", domain.Capabilities{Concurrency: 1}, &fakeSender{})
	f.sched.Kick()
	f.waitForState(t, jobID, domain.JobStateAssigned)

	// w1 reconnects and reports a late result for the job it no longer
	// holds. It must not commit and must not earn bob anything.
	f.registry.Register("w1", "bob", domain.Capabilities{Concurrency: 1}, &fakeSender{})
	require.NoError(t, f.sched.HandleResult(context.Background(), "w1", jobID, 0, "stale\n", ""))

	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateAssigned, job.State)

	bobBalance, err := f.ledger.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, bobBalance.Equal(decimal.RequireFromString("100.0")), bobBalance.String())

	// The holder's result lands and pays exactly once.
	require.NoError(t, f.sched.HandleResult(context.Background(), "w2", jobID, 0, "4\n", ""))
	job = f.waitForState(t, jobID, domain.JobStateCompleted)
	assert.Equal(t, "4\n", job.Stdout)

	carolBalance, err := f.ledger.Balance(context.Background(), "carol")
	require.NoError(t, err)
	assert.True(t, carolBalance.Equal(decimal.RequireFromString("100.8")), carolBalance.String())

	entries, err := f.ledger.Entries(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestHandleAck_RejectionRequeues(t *testing.T) {
	f := newFixture(t, Config{})
	sender := &fakeSender{}
	f.registry.Register("w1", "bob", domain.Capabilities{Concurrency: 1}, sender)

	jobID := f.submit(t, time.Minute)
	f.waitForState(t, jobID, domain.JobStateAssigned)

	f.sched.HandleAck(context.Background(), "w1", jobID, false, "shutting down")

	// The worker slot is free again, so the job redispatches to it.
	require.Eventually(t, func() bool {
		return len(sender.assigns()) == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDispatch_HeadSkipWithNoWorkersEndsPass(t *testing.T) {
	f := newFixture(t, Config{HeadSkipAttempts: 1})

	f.submit(t, time.Minute)
	f.submit(t, time.Minute)

	// No workers at all: every candidate is skippable, none is
	// satisfiable. Each pass must still terminate.
	for range 3 {
		f.sched.Kick()
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.sched.Depth())

	// Stop joins the dispatch loop; a pass spinning over the skippable
	// candidates would hang here.
	stopped := make(chan struct{})
	go func() {
		f.sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestHandleWorkerLoss_Requeues(t *testing.T) {
	f := newFixture(t, Config{})
	sender := &fakeSender{}
	f.registry.Register("w1", "bob", domain.Capabilities{Concurrency: 1}, sender)

	jobID := f.submit(t, time.Minute)
	f.waitForState(t, jobID, domain.JobStateAssigned)

	held := f.registry.Disconnect("w1")
	require.Equal(t, []string{jobID}, held)
	f.sched.HandleWorkerLoss(context.Background(), "w1", held)

	f.waitForState(t, jobID, domain.JobStateQueued)

	// A second worker picks the job up and completes it; ledger shows one
	// debit-side entry at most (none here: submission happened outside the
	// API path) and exactly one credit to the finisher's owner.
	sender2 := &fakeSender{}
	require.NoError(t, f.ledger.EnsureAccount(context.Background(), "carol"))
	f.registry.Register("w2", "carol", domain.Capabilities{Concurrency: 1}, sender2)
	f.sched.Kick()

	f.waitForState(t, jobID, domain.JobStateAssigned)
	require.NoError(t, f.sched.HandleResult(context.Background(), "w2", jobID, 0, "4\n", ""))

	carolBalance, err := f.ledger.Balance(context.Background(), "carol")
	require.NoError(t, err)
	assert.True(t, carolBalance.Equal(decimal.RequireFromString("100.8")), carolBalance.String())

	bobBalance, err := f.ledger.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, bobBalance.Equal(decimal.RequireFromString("100.0")), bobBalance.String())
}

func TestHandleWorkerLoss_ExhaustedAttemptsFailWithoutRefund(t *testing.T) {
	f := newFixture(t, Config{RequeueAttempts: 2})
	sender := &fakeSender{}

	jobID := f.submit(t, time.Minute)

	// Lose the worker repeatedly until the attempt budget runs out.
	for range 3 {
		f.registry.Register("w1", "bob", domain.Capabilities{Concurrency: 1}, sender)
		f.sched.Kick()
		f.waitForState(t, jobID, domain.JobStateAssigned)

		held := f.registry.Disconnect("w1")
		f.sched.HandleWorkerLoss(context.Background(), "w1", held)

		job, err := f.jobs.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job.State == domain.JobStateFailed {
			break
		}
	}

	job := f.waitForState(t, jobID, domain.JobStateFailed)
	assert.Contains(t, job.Stderr, "worker_lost")
	assert.Equal(t, 3, job.Attempts)
}

func TestTimeout_FailsJobAndSendsCancel(t *testing.T) {
	f := newFixture(t, Config{CancelGrace: time.Hour})
	sender := &fakeSender{}
	f.registry.Register("w1", "bob", domain.Capabilities{Concurrency: 1}, sender)

	jobID := f.submit(t, 50*time.Millisecond)

	job := f.waitForState(t, jobID, domain.JobStateFailed)
	assert.Contains(t, job.Stderr, "timeout")
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 124, *job.ExitCode)

	require.Eventually(t, func() bool {
		return len(sender.cancels()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, jobID, sender.cancels()[0].JobID)

	// The late result is a no-op but frees the worker slot.
	require.NoError(t, f.sched.HandleResult(context.Background(), "w1", jobID, 0, "4\n", ""))
	info, ok := f.registry.Get("w1")
	require.True(t, ok)
	assert.Equal(t, domain.WorkerStatusIdle, info.Status)

	balance, err := f.ledger.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("100.0")), balance.String())
}

func TestTimeout_CancelGraceForcesOffline(t *testing.T) {
	f := newFixture(t, Config{CancelGrace: 50 * time.Millisecond})
	sender := &fakeSender{}
	f.registry.Register("w1", "bob", domain.Capabilities{Concurrency: 1}, sender)

	jobID := f.submit(t, 50*time.Millisecond)
	f.waitForState(t, jobID, domain.JobStateFailed)

	require.Eventually(t, func() bool {
		info, ok := f.registry.Get("w1")
		return ok && info.Status == domain.WorkerStatusOffline
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStart_RecoversPersistedQueue(t *testing.T) {
	db, err := storage.Open(context.Background(), storage.DBConfig{
		DSN: filepath.Join(t.TempDir(), "gridx.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	lgr := ledger.New(db, decimal.RequireFromString("100.0"))
	jobs := jobstore.New(db)
	require.NoError(t, lgr.EnsureAccount(context.Background(), "alice"))

	queued := &domain.Job{
		ID: uuid.NewString(), Submitter: "alice", Language: domain.LanguagePython,
		Code: "print(1)", Limits: domain.JobLimits{Timeout: time.Minute},
		State: domain.JobStateQueued, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, jobs.Create(context.Background(), queued))

	orphan := &domain.Job{
		ID: uuid.NewString(), Submitter: "alice", Language: domain.LanguagePython,
		Code: "print(2)", Limits: domain.JobLimits{Timeout: time.Minute},
		State: domain.JobStateQueued, CreatedAt: time.Now().UTC().Add(time.Second),
	}
	require.NoError(t, jobs.Create(context.Background(), orphan))
	ok, err := jobs.Assign(context.Background(), orphan.ID, uuid.NewString())
	require.NoError(t, err)
	require.True(t, ok)

	reg := registry.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := New(Config{WorkerReward: decimal.RequireFromString("0.8"), RequeueAttempts: 3},
		lgr, jobs, reg, logger)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)

	// The orphaned assignment was returned to queued and both jobs wait
	// on the ready queue.
	job, err := jobs.Get(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, job.State)
	assert.Equal(t, 2, sched.Depth())
}
