// Package worker implements the worker-side session loop: it dials the
// coordinator, authenticates, heartbeats, and hands assignments to the
// executor, reconnecting with backoff when the link drops.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rezkam/gridx/internal/domain"
	"github.com/rezkam/gridx/internal/executor"
	"github.com/rezkam/gridx/internal/protocol"
)

// ErrAuthRejected means the coordinator refused the credentials. It is
// permanent; the worker exits instead of retrying.
var ErrAuthRejected = errors.New("authentication rejected")

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultReconnectBase     = 5 * time.Second
	defaultReconnectMax      = 60 * time.Second
)

// Runner executes one assignment to completion.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) executor.Result
}

// conn is the subset of the websocket connection the session loop uses.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Config holds the worker's connection settings.
type Config struct {
	CoordinatorURL    string
	AccountID         string
	Secret            string
	Capabilities      domain.Capabilities
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
}

// DetectCapabilities reports a conservative default capability set for
// this host.
func DetectCapabilities() domain.Capabilities {
	return domain.Capabilities{
		CPUCores:    runtime.NumCPU(),
		Concurrency: 1,
	}
}

// Worker runs the session loop for one identity.
type Worker struct {
	cfg          Config
	identity     *Identity
	identityPath string
	runner       Runner
	logger       *slog.Logger

	dial func(ctx context.Context, url string) (conn, error)
}

// New creates a Worker. identityPath is where an updated identity is
// persisted if the coordinator assigns a new worker id.
func New(cfg Config, identity *Identity, identityPath string, runner Runner, logger *slog.Logger) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}

	return &Worker{
		cfg:          cfg,
		identity:     identity,
		identityPath: identityPath,
		runner:       runner,
		logger:       logger,
		dial: func(ctx context.Context, url string) (conn, error) {
			c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return c, err
		},
	}
}

// Run connects and serves sessions until ctx is cancelled or the
// coordinator permanently rejects the credentials. Transport failures
// trigger reconnection with doubling backoff.
func (w *Worker) Run(ctx context.Context) error {
	backoff := w.cfg.ReconnectBase

	for {
		authed, err := w.runSession(ctx)
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if authed {
			backoff = w.cfg.ReconnectBase
		}

		w.logger.WarnContext(ctx, "session ended, reconnecting",
			"error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, w.cfg.ReconnectMax)
	}
}

// runSession serves one connection. authed reports whether the
// handshake completed, so the caller can reset its backoff.
func (w *Worker) runSession(ctx context.Context) (authed bool, err error) {
	c, err := w.dial(ctx, w.cfg.CoordinatorURL)
	if err != nil {
		return false, fmt.Errorf("failed to dial coordinator: %w", err)
	}
	defer c.Close()

	s := &session{
		worker:  w,
		conn:    c,
		active:  make(map[string]context.CancelFunc),
		results: make(chan executor.Result, concurrency(w.cfg.Capabilities)),
	}

	if err := s.handshake(); err != nil {
		return false, err
	}
	w.logger.InfoContext(ctx, "session established",
		"worker_id", w.identity.WorkerID, "coordinator", w.cfg.CoordinatorURL)

	return true, s.loop(ctx)
}

func concurrency(caps domain.Capabilities) int {
	if caps.Concurrency < 1 {
		return 1
	}
	return caps.Concurrency
}

type session struct {
	worker  *Worker
	conn    conn
	writeMu sync.Mutex

	active  map[string]context.CancelFunc
	results chan executor.Result
}

func (s *session) send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// handshake sends the auth frame and waits for the verdict. The auth
// frame MUST be first on the wire.
func (s *session) handshake() error {
	w := s.worker
	err := s.send(protocol.Auth{
		AccountID:    w.cfg.AccountID,
		Secret:       w.cfg.Secret,
		Capabilities: w.cfg.Capabilities,
		WorkerID:     w.identity.WorkerID,
	})
	if err != nil {
		return fmt.Errorf("failed to send auth frame: %w", err)
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("connection closed during handshake: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("failed to decode handshake reply: %w", err)
	}

	switch reply := msg.(type) {
	case *protocol.AuthOK:
		if reply.WorkerID != w.identity.WorkerID {
			w.identity.WorkerID = reply.WorkerID
			if err := SaveIdentity(w.identityPath, w.identity); err != nil {
				w.logger.Warn("failed to persist assigned worker id", "error", err)
			}
		}
		return nil
	case *protocol.AuthFail:
		return fmt.Errorf("%w: %s", ErrAuthRejected, reply.Reason)
	default:
		return fmt.Errorf("unexpected handshake reply %T", msg)
	}
}

func (s *session) loop(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan any)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				s.worker.logger.WarnContext(sctx, "dropping undecodable frame", "error", err)
				continue
			}
			select {
			case frames <- msg:
			case <-sctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.worker.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case msg := <-frames:
			s.handle(sctx, msg)
		case result := <-s.results:
			s.finish(sctx, result)
		case <-ticker.C:
			if err := s.send(protocol.Heartbeat{
				Timestamp: time.Now().UTC(),
				Status:    s.status(),
				Active:    len(s.active),
			}); err != nil {
				return fmt.Errorf("failed to send heartbeat: %w", err)
			}
		}
	}
}

func (s *session) status() string {
	if len(s.active) >= concurrency(s.worker.cfg.Capabilities) {
		return string(domain.WorkerStatusBusy)
	}
	return string(domain.WorkerStatusIdle)
}

func (s *session) handle(ctx context.Context, msg any) {
	switch frame := msg.(type) {
	case *protocol.Assign:
		s.handleAssign(ctx, frame)
	case *protocol.Cancel:
		s.handleCancel(ctx, frame)
	case *protocol.Ping:
		if err := s.send(protocol.Pong{CorrelationID: frame.CorrelationID}); err != nil {
			s.worker.logger.WarnContext(ctx, "failed to answer ping", "error", err)
		}
	default:
		s.worker.logger.WarnContext(ctx, "unexpected frame", "type", fmt.Sprintf("%T", msg))
	}
}

func (s *session) handleAssign(ctx context.Context, assign *protocol.Assign) {
	logger := s.worker.logger

	if len(s.active) >= concurrency(s.worker.cfg.Capabilities) {
		logger.WarnContext(ctx, "rejecting assignment at capacity", "job_id", assign.JobID)
		if err := s.send(protocol.Ack{JobID: assign.JobID, Accepted: false, Reason: "at capacity"}); err != nil {
			logger.WarnContext(ctx, "failed to send ack", "job_id", assign.JobID, "error", err)
		}
		return
	}

	if err := s.send(protocol.Ack{JobID: assign.JobID, Accepted: true}); err != nil {
		logger.WarnContext(ctx, "failed to send ack", "job_id", assign.JobID, "error", err)
		return
	}
	if err := s.send(protocol.Progress{JobID: assign.JobID, Phase: "running"}); err != nil {
		logger.WarnContext(ctx, "failed to send progress", "job_id", assign.JobID, "error", err)
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	s.active[assign.JobID] = cancelJob

	logger.InfoContext(ctx, "assignment accepted",
		"job_id", assign.JobID, "language", assign.Language)

	go func() {
		result := s.worker.runner.Execute(jobCtx, executor.Request{
			JobID:    assign.JobID,
			Language: domain.Language(assign.Language),
			Code:     assign.Code,
			Timeout:  time.Duration(assign.Limits.TimeoutSeconds) * time.Second,
			Memory:   assign.Limits.MemoryBytes,
			CPUCores: assign.Limits.CPUCores,
		})
		select {
		case s.results <- result:
		case <-ctx.Done():
		}
	}()
}

func (s *session) handleCancel(ctx context.Context, frame *protocol.Cancel) {
	cancelJob, ok := s.active[frame.JobID]
	if !ok {
		return
	}
	s.worker.logger.InfoContext(ctx, "cancelling job",
		"job_id", frame.JobID, "reason", frame.Reason)
	cancelJob()
}

func (s *session) finish(ctx context.Context, result executor.Result) {
	if cancelJob, ok := s.active[result.JobID]; ok {
		cancelJob()
		delete(s.active, result.JobID)
	}

	if err := s.send(protocol.Result{
		JobID:    result.JobID,
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}); err != nil {
		s.worker.logger.WarnContext(ctx, "failed to send result",
			"job_id", result.JobID, "error", err)
		return
	}
	s.worker.logger.InfoContext(ctx, "result sent",
		"job_id", result.JobID, "exit_code", result.ExitCode)
}
