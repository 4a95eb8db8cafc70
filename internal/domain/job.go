package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateAssigned  JobState = "assigned"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is final. A job leaves a terminal
// state only by administrative purge.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// jobTransitions is the total set of permitted state changes.
// assigned/running fall back to queued on worker loss; queued reaches
// failed when requeue attempts are exhausted or a post-commit enqueue
// fails on the submission path.
var jobTransitions = map[JobState][]JobState{
	JobStateQueued:   {JobStateAssigned, JobStateCancelled, JobStateFailed},
	JobStateAssigned: {JobStateRunning, JobStateQueued, JobStateFailed},
	JobStateRunning:  {JobStateCompleted, JobStateFailed, JobStateQueued},
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range jobTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// NewJobState validates and creates a JobState.
func NewJobState(s string) (JobState, error) {
	state := JobState(strings.ToLower(s))
	switch state {
	case JobStateQueued, JobStateAssigned, JobStateRunning,
		JobStateCompleted, JobStateFailed, JobStateCancelled:
		return state, nil
	default:
		return "", fmt.Errorf("%w: unknown job state %q", ErrInvalidInput, s)
	}
}

// Language is a supported execution target.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageNode       Language = "node"
	LanguageBash       Language = "bash"
)

// NewLanguage validates and creates a Language.
func NewLanguage(s string) (Language, error) {
	lang := Language(strings.ToLower(s))
	switch lang {
	case LanguagePython, LanguageJavaScript, LanguageNode, LanguageBash:
		return lang, nil
	default:
		return "", fmt.Errorf("%w: unsupported language %q", ErrInvalidInput, s)
	}
}

// JobLimits are the execution limits a job carries to its worker.
type JobLimits struct {
	Timeout      time.Duration
	MemoryBytes  int64
	CPUCores     int
	Accelerators int
}

// Job is a unit of user-submitted code with resource limits and a lifecycle.
// AssignedWorker is empty while the job is unassigned; Stdout, Stderr and
// ExitCode stay unset until a terminal state.
type Job struct {
	ID             string
	Submitter      AccountID
	Language       Language
	Code           string
	Limits         JobLimits
	State          JobState
	AssignedWorker string
	Stdout         string
	Stderr         string
	ExitCode       *int
	Attempts       int
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// ValidateJobID checks that s is a UUIDv4.
func ValidateJobID(s string) error {
	u, err := uuid.Parse(s)
	if err != nil || u.Version() != 4 {
		return fmt.Errorf("%w: job id must be a UUIDv4", ErrInvalidID)
	}
	return nil
}
