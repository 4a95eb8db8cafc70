// Package protocol defines the framed messages exchanged between the
// coordinator and workers over a session transport. Every frame is a JSON
// object with a "type" tag; Decode produces one of the typed structs below
// and Encode is its inverse.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rezkam/gridx/internal/domain"
)

// Frame type tags.
const (
	TypeAuth      = "auth"
	TypeAuthOK    = "auth_ok"
	TypeAuthFail  = "auth_fail"
	TypeHeartbeat = "heartbeat"
	TypeAssign    = "assign"
	TypeAck       = "ack"
	TypeProgress  = "progress"
	TypeResult    = "result"
	TypeCancel    = "cancel"
	TypePing      = "ping"
	TypePong      = "pong"
)

// ErrUnknownType is returned by Decode for an unrecognized type tag.
type ErrUnknownType struct {
	Type string
}

func (e ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Type)
}

// Auth is the first frame a worker MUST send on a new connection.
// WorkerID is empty on first contact and set on reconnect.
type Auth struct {
	AccountID    string              `json:"account_id"`
	Secret       string              `json:"secret"`
	Capabilities domain.Capabilities `json:"capabilities"`
	WorkerID     string              `json:"worker_id,omitempty"`
}

// AuthOK confirms authentication and assigns the session identity.
type AuthOK struct {
	WorkerID string `json:"worker_id"`
}

// AuthFail rejects authentication. The coordinator closes the
// connection after sending it.
type AuthFail struct {
	Reason string `json:"reason"`
}

// Heartbeat is the worker's periodic liveness signal.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Active    int       `json:"active_jobs"`
}

// Limits carries a job's execution limits on the wire.
type Limits struct {
	TimeoutSeconds int   `json:"timeout_seconds"`
	MemoryBytes    int64 `json:"memory_bytes"`
	CPUCores       int   `json:"cpu_cores"`
	Accelerators   int   `json:"accelerators,omitempty"`
}

// Assign dispatches a job to the worker.
type Assign struct {
	JobID    string `json:"job_id"`
	Language string `json:"language"`
	Code     string `json:"code"`
	Limits   Limits `json:"limits"`
}

// Ack is the worker's accept/reject response to an Assign.
type Ack struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Progress reports an execution phase change for a job.
type Progress struct {
	JobID string `json:"job_id"`
	Phase string `json:"phase"`
}

// Result carries a job's terminal output. Exactly one result is
// honored per job; duplicates are discarded by the coordinator.
type Result struct {
	JobID    string `json:"job_id"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Cancel instructs the worker to best-effort kill a job's container.
type Cancel struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// Ping is a coordinator-initiated liveness probe; workers MUST reply
// with a Pong carrying the same correlation id.
type Ping struct {
	CorrelationID string `json:"correlation_id"`
}

// Pong answers a Ping.
type Pong struct {
	CorrelationID string `json:"correlation_id"`
}

// envelope is the wire shape of every frame.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes a typed frame into its wire form.
func Encode(msg any) ([]byte, error) {
	var typ string
	switch msg.(type) {
	case Auth, *Auth:
		typ = TypeAuth
	case AuthOK, *AuthOK:
		typ = TypeAuthOK
	case AuthFail, *AuthFail:
		typ = TypeAuthFail
	case Heartbeat, *Heartbeat:
		typ = TypeHeartbeat
	case Assign, *Assign:
		typ = TypeAssign
	case Ack, *Ack:
		typ = TypeAck
	case Progress, *Progress:
		typ = TypeProgress
	case Result, *Result:
		typ = TypeResult
	case Cancel, *Cancel:
		typ = TypeCancel
	case Ping, *Ping:
		typ = TypePing
	case Pong, *Pong:
		typ = TypePong
	default:
		return nil, fmt.Errorf("cannot encode frame of type %T", msg)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}

	return json.Marshal(envelope{Type: typ, Payload: payload})
}

// Decode parses a wire frame into its typed form.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}

	var msg any
	switch env.Type {
	case TypeAuth:
		msg = &Auth{}
	case TypeAuthOK:
		msg = &AuthOK{}
	case TypeAuthFail:
		msg = &AuthFail{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeAssign:
		msg = &Assign{}
	case TypeAck:
		msg = &Ack{}
	case TypeProgress:
		msg = &Progress{}
	case TypeResult:
		msg = &Result{}
	case TypeCancel:
		msg = &Cancel{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	default:
		return nil, ErrUnknownType{Type: env.Type}
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Type, err)
		}
	}

	return msg, nil
}
