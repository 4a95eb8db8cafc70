package domain

import "errors"

// Domain errors shared across the coordinator and worker.

var (
	// ErrInvalidInput indicates a validation failure on caller-supplied data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthenticated indicates a bad account/secret pair.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInsufficientCredits indicates a debit that would make a balance negative.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict indicates a duplicate identifier on creation.
	ErrConflict = errors.New("conflict")

	// ErrWorkerLost indicates the worker transport dropped mid-job.
	ErrWorkerLost = errors.New("worker lost")

	// ErrTimeout indicates a job exceeded its wall clock.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidTransition indicates a job state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidID indicates the provided ID format is invalid.
	ErrInvalidID = errors.New("invalid ID format")
)
