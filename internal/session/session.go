// Package session implements the coordinator side of the worker
// protocol: one websocket per worker, auth-first handshake, heartbeat
// bookkeeping and frame routing into the scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rezkam/gridx/internal/domain"
	"github.com/rezkam/gridx/internal/protocol"
	"github.com/rezkam/gridx/internal/registry"
	"github.com/rezkam/gridx/internal/workerstore"
)

// authDeadline bounds how long a fresh connection may sit silent before
// its mandatory auth frame.
const authDeadline = 10 * time.Second

// Authenticator verifies an account's shared secret, installing it on
// first contact.
type Authenticator interface {
	VerifyAuth(ctx context.Context, id domain.AccountID, secret string) error
}

// Scheduler receives session events that affect dispatched jobs.
type Scheduler interface {
	HandleAck(ctx context.Context, workerID, jobID string, accepted bool, reason string)
	HandleProgress(ctx context.Context, workerID, jobID, phase string)
	HandleResult(ctx context.Context, workerID, jobID string, exitCode int, stdout, stderr string) error
	HandleWorkerLoss(ctx context.Context, workerID string, heldJobs []string)
	Kick()
}

// Server upgrades worker connections and runs their session loops.
type Server struct {
	auth           Authenticator
	registry       *registry.Registry
	workers        *workerstore.Store
	sched          Scheduler
	logger         *slog.Logger
	maxOutputBytes int64

	upgrader websocket.Upgrader
}

// NewServer creates the session server.
func NewServer(auth Authenticator, reg *registry.Registry, workers *workerstore.Store,
	sched Scheduler, maxOutputBytes int64, logger *slog.Logger) *Server {

	return &Server{
		auth:           auth,
		registry:       reg,
		workers:        workers,
		sched:          sched,
		logger:         logger,
		maxOutputBytes: maxOutputBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers are CLI processes, not browsers; no origin check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// sender serializes frame writes onto one websocket. gorilla/websocket
// permits a single concurrent writer, so every send takes the mutex.
type sender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *sender) Send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ServeHTTP handles one worker connection for its whole lifetime.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := context.Background()

	workerID, owner, snd, err := s.handshake(ctx, conn)
	if err != nil {
		s.logger.InfoContext(ctx, "worker handshake rejected", "error", err)
		return
	}

	s.logger.InfoContext(ctx, "worker session established",
		"worker_id", workerID, "owner", owner.String())
	s.sched.Kick()

	s.readLoop(ctx, conn, workerID)

	// Teardown is scoped to this connection: if the identity already
	// resumed on a newer one, this close must not touch the live session.
	held, current := s.registry.DisconnectIfCurrent(workerID, snd)
	if !current {
		s.logger.InfoContext(ctx, "superseded connection closed", "worker_id", workerID)
		return
	}
	if err := s.workers.SetStatus(ctx, workerID, domain.WorkerStatusOffline, time.Now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist worker offline", "worker_id", workerID, "error", err)
	}
	s.sched.HandleWorkerLoss(ctx, workerID, held)

	s.logger.InfoContext(ctx, "worker session closed",
		"worker_id", workerID, "requeued_jobs", len(held))
}

// handshake enforces the auth-first contract: the first frame on a new
// connection MUST be auth; anything else closes the connection. On
// success it returns the sender bound to this connection, which scopes
// the eventual teardown.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (string, domain.AccountID, *sender, error) {
	if err := conn.SetReadDeadline(time.Now().Add(authDeadline)); err != nil {
		return "", "", nil, fmt.Errorf("failed to arm auth deadline: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to read auth frame: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", "", nil, fmt.Errorf("failed to clear auth deadline: %w", err)
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		return "", "", nil, fmt.Errorf("malformed first frame: %w", err)
	}

	auth, ok := frame.(*protocol.Auth)
	if !ok {
		return "", "", nil, fmt.Errorf("first frame must be auth, got %T", frame)
	}

	snd := &sender{conn: conn}
	reject := func(reason string, cause error) (string, domain.AccountID, *sender, error) {
		if err := snd.Send(protocol.AuthFail{Reason: reason}); err != nil {
			s.logger.WarnContext(ctx, "failed to send auth_fail", "error", err)
		}
		return "", "", nil, cause
	}

	owner, err := domain.NewAccountID(auth.AccountID)
	if err != nil {
		return reject("invalid account id", err)
	}

	if err := s.auth.VerifyAuth(ctx, owner, auth.Secret); err != nil {
		return reject("invalid credentials", err)
	}

	workerID := auth.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	} else {
		if err := domain.ValidateWorkerID(workerID); err != nil {
			return reject("invalid worker id", err)
		}
		// A reclaimed identity must belong to the authenticating account.
		existing, err := s.workers.Get(ctx, workerID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return reject("internal error", err)
		}
		if err == nil && existing.Owner != owner {
			return reject("worker id belongs to another account",
				fmt.Errorf("worker %s owned by %s: %w", workerID, existing.Owner, domain.ErrUnauthenticated))
		}
	}

	now := time.Now().UTC()
	displaced := s.registry.Register(workerID, owner, auth.Capabilities, snd)
	if len(displaced) > 0 {
		// Jobs still attached from a replaced connection go back to the
		// queue; the resumed session starts clean.
		s.sched.HandleWorkerLoss(ctx, workerID, displaced)
	}
	if err := s.workers.Upsert(ctx, domain.WorkerInfo{
		ID:           workerID,
		Owner:        owner,
		Status:       domain.WorkerStatusIdle,
		Capabilities: auth.Capabilities,
		LastSeen:     now,
	}); err != nil {
		s.registry.Deregister(workerID)
		return reject("internal error", err)
	}

	if err := snd.Send(protocol.AuthOK{WorkerID: workerID}); err != nil {
		s.registry.Disconnect(workerID)
		return "", "", nil, fmt.Errorf("failed to send auth_ok: %w", err)
	}
	return workerID, owner, snd, nil
}

// readLoop routes frames until the transport drops.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, workerID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.InfoContext(ctx, "worker transport dropped", "worker_id", workerID, "error", err)
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			s.logger.WarnContext(ctx, "discarding malformed frame", "worker_id", workerID, "error", err)
			continue
		}

		switch msg := frame.(type) {
		case *protocol.Heartbeat:
			s.touch(ctx, workerID)

		case *protocol.Pong:
			s.touch(ctx, workerID)

		case *protocol.Ack:
			s.sched.HandleAck(ctx, workerID, msg.JobID, msg.Accepted, msg.Reason)

		case *protocol.Progress:
			s.sched.HandleProgress(ctx, workerID, msg.JobID, msg.Phase)

		case *protocol.Result:
			stdout := truncate(msg.Stdout, s.maxOutputBytes)
			stderr := truncate(msg.Stderr, s.maxOutputBytes)
			if err := s.sched.HandleResult(ctx, workerID, msg.JobID, msg.ExitCode, stdout, stderr); err != nil {
				s.logger.ErrorContext(ctx, "failed to handle result",
					"worker_id", workerID, "job_id", msg.JobID, "error", err)
			}

		default:
			s.logger.WarnContext(ctx, "unexpected frame from worker",
				"worker_id", workerID, "frame", fmt.Sprintf("%T", frame))
		}
	}
}

func (s *Server) touch(ctx context.Context, workerID string) {
	if !s.registry.Touch(workerID) {
		return
	}
	info, ok := s.registry.Get(workerID)
	if !ok {
		return
	}
	if err := s.workers.SetStatus(ctx, workerID, info.Status, info.LastSeen); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist heartbeat", "worker_id", workerID, "error", err)
	}
}

// truncate caps s at max bytes, backing up so a multi-byte UTF-8
// sequence is never split.
func truncate(s string, max int64) string {
	if int64(len(s)) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
