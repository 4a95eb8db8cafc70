// Package executor runs submitted code inside a locked-down docker
// container and reports stdout, stderr and the exit code.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rezkam/gridx/internal/domain"
)

// ExitTimeout is the synthetic exit code reported when the wall clock
// elapses before the container finishes.
const ExitTimeout = 124

// ExitLaunchFailure is reported when the container could not be started
// or its output could not be captured.
const ExitLaunchFailure = -1

type languageRuntime struct {
	image    string
	filename string
	command  []string
}

var runtimes = map[domain.Language]languageRuntime{
	domain.LanguagePython:     {"python:3.11-slim", "main.py", []string{"python", "/work/main.py"}},
	domain.LanguageJavaScript: {"node:18-slim", "main.js", []string{"node", "/work/main.js"}},
	domain.LanguageNode:       {"node:18-slim", "main.js", []string{"node", "/work/main.js"}},
	domain.LanguageBash:       {"ubuntu:22.04", "main.sh", []string{"bash", "/work/main.sh"}},
}

// commandRunner abstracts process launch so tests can intercept the
// docker invocation.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string, maxOutput int64) (stdout, stderr []byte, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, maxOutput int64) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	outBuf := &cappedBuffer{max: maxOutput}
	errBuf := &cappedBuffer{max: maxOutput}
	cmd.Stdout = outBuf
	cmd.Stderr = errBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}
	return outBuf.Bytes(), errBuf.Bytes(), exitCode, err
}

// cappedBuffer accepts writes up to max bytes and silently drops the
// rest, so a runaway container cannot exhaust worker memory.
type cappedBuffer struct {
	buf bytes.Buffer
	max int64
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - int64(b.buf.Len())
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }

// Request describes one assignment to execute.
type Request struct {
	JobID    string
	Language domain.Language
	Code     string
	Timeout  time.Duration
	Memory   int64
	CPUCores int
}

// Result is the outcome of one execution. Exactly one Result is
// produced per Request, including launch failures and timeouts.
type Result struct {
	JobID    string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor sandboxes code execution with docker.
type Executor struct {
	runner         commandRunner
	logger         *slog.Logger
	maxOutputBytes int64
}

// New creates an Executor. maxOutputBytes caps each of stdout and
// stderr independently.
func New(maxOutputBytes int64, logger *slog.Logger) *Executor {
	return &Executor{
		runner:         execRunner{},
		logger:         logger,
		maxOutputBytes: maxOutputBytes,
	}
}

// Execute runs the request to completion and always returns a Result.
// Cancelling ctx kills the container.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	rt, ok := runtimes[req.Language]
	if !ok {
		return e.failure(req.JobID, fmt.Sprintf("unsupported language %q", req.Language))
	}

	workspace, err := os.MkdirTemp("", "gridx-job-")
	if err != nil {
		return e.failure(req.JobID, fmt.Sprintf("failed to create workspace: %v", err))
	}
	defer os.RemoveAll(workspace)

	if err := os.WriteFile(filepath.Join(workspace, rt.filename), []byte(req.Code), 0o644); err != nil {
		return e.failure(req.JobID, fmt.Sprintf("failed to write code file: %v", err))
	}

	args := dockerArgs(workspace, rt, req)

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	started := time.Now()
	stdout, stderr, exitCode, err := e.runner.Run(runCtx, "docker", args, e.maxOutputBytes)

	if runCtx.Err() == context.DeadlineExceeded {
		e.logger.WarnContext(ctx, "job timed out", "job_id", req.JobID, "timeout", req.Timeout)
		return Result{
			JobID:    req.JobID,
			ExitCode: ExitTimeout,
			Stdout:   string(stdout),
			Stderr:   fmt.Sprintf("timeout: job exceeded wall clock of %s", req.Timeout),
		}
	}
	if err != nil {
		return e.failure(req.JobID, fmt.Sprintf("failed to run container: %v", err))
	}

	e.logger.InfoContext(ctx, "job executed",
		"job_id", req.JobID, "exit_code", exitCode, "duration", time.Since(started))
	return Result{
		JobID:    req.JobID,
		ExitCode: exitCode,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
	}
}

func (e *Executor) failure(jobID, reason string) Result {
	e.logger.Error("execution failed", "job_id", jobID, "reason", reason)
	return Result{JobID: jobID, ExitCode: ExitLaunchFailure, Stderr: reason}
}

func dockerArgs(workspace string, rt languageRuntime, req Request) []string {
	args := []string{
		"run", "--rm",
		"--read-only",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges:true",
		"--pids-limit=256",
		"--network=none",
		"--user=1000:1000",
		"--tmpfs", "/tmp",
		"-v", workspace + ":/work:rw",
	}
	if req.CPUCores > 0 {
		args = append(args, fmt.Sprintf("--cpus=%d", req.CPUCores))
	}
	if req.Memory > 0 {
		args = append(args, fmt.Sprintf("--memory=%d", req.Memory))
	}
	args = append(args, rt.image)
	args = append(args, rt.command...)
	return args
}
