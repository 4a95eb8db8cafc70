package domain

import (
	"fmt"
	"strings"
	"time"
)

// WorkerStatus is the live status of a worker session.
type WorkerStatus string

const (
	WorkerStatusConnecting WorkerStatus = "connecting"
	WorkerStatusIdle       WorkerStatus = "idle"
	WorkerStatusBusy       WorkerStatus = "busy"
	WorkerStatusOffline    WorkerStatus = "offline"
)

// NewWorkerStatus validates and creates a WorkerStatus.
func NewWorkerStatus(s string) (WorkerStatus, error) {
	status := WorkerStatus(strings.ToLower(s))
	switch status {
	case WorkerStatusConnecting, WorkerStatusIdle, WorkerStatusBusy, WorkerStatusOffline:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown worker status %q", ErrInvalidInput, s)
	}
}

// Capabilities are the resources a worker declares at authentication.
// Concurrency is the number of jobs the session accepts at once;
// baseline workers declare 1.
type Capabilities struct {
	CPUCores     int   `json:"cpu_cores"`
	MemoryBytes  int64 `json:"memory_bytes"`
	Accelerators int   `json:"accelerators"`
	Concurrency  int   `json:"concurrency"`
}

// Satisfies reports whether the declared capabilities cover the job's limits.
func (c Capabilities) Satisfies(limits JobLimits) bool {
	if limits.CPUCores > 0 && c.CPUCores < limits.CPUCores {
		return false
	}
	if limits.MemoryBytes > 0 && c.MemoryBytes < limits.MemoryBytes {
		return false
	}
	if limits.Accelerators > 0 && c.Accelerators < limits.Accelerators {
		return false
	}
	return true
}

// WorkerInfo is the persisted view of a worker, kept in sync with the
// live registry so listings include offline workers.
type WorkerInfo struct {
	ID           string
	Owner        AccountID
	Status       WorkerStatus
	Capabilities Capabilities
	LastSeen     time.Time
}

// ValidateWorkerID checks that s is a UUIDv4. Worker and job ids share
// the same format.
func ValidateWorkerID(s string) error {
	if err := ValidateJobID(s); err != nil {
		return fmt.Errorf("%w: worker id must be a UUIDv4", ErrInvalidID)
	}
	return nil
}
