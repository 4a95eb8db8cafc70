// Package registry tracks live worker sessions in memory: status,
// capabilities, last-seen and the jobs each session currently holds.
// All mutations serialize under one mutex held briefly; no I/O happens
// under the lock.
package registry

import (
	"sync"
	"time"

	"github.com/rezkam/gridx/internal/domain"
)

// Sender delivers a frame to a worker over its session transport.
// Implementations must be safe for concurrent use.
type Sender interface {
	Send(msg any) error
}

type session struct {
	id           string
	owner        domain.AccountID
	capabilities domain.Capabilities
	status       domain.WorkerStatus
	lastSeen     time.Time
	sender       Sender
	active       map[string]struct{}
}

func (s *session) concurrency() int {
	if s.capabilities.Concurrency > 1 {
		return s.capabilities.Concurrency
	}
	return 1
}

func (s *session) info() domain.WorkerInfo {
	return domain.WorkerInfo{
		ID:           s.id,
		Owner:        s.owner,
		Status:       s.status,
		Capabilities: s.capabilities,
		LastSeen:     s.lastSeen,
	}
}

// Registry is the in-memory map of live worker sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	arrival  []string
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a session, or resumes an existing identity on reconnect.
// The session starts idle with no held jobs; jobs still attached from a
// previous connection are returned so the caller can requeue them.
func (r *Registry) Register(id string, owner domain.AccountID, caps domain.Capabilities, sender Sender) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists {
		s = &session{id: id}
		r.sessions[id] = s
		r.arrival = append(r.arrival, id)
	}
	var displaced []string
	for jobID := range s.active {
		displaced = append(displaced, jobID)
	}
	s.owner = owner
	s.capabilities = caps
	s.status = domain.WorkerStatusIdle
	s.lastSeen = r.now()
	s.sender = sender
	s.active = make(map[string]struct{})
	return displaced
}

// Disconnect marks the session offline after its transport dropped and
// returns the job ids it was holding so they can be requeued. The
// identity survives for reconnect until the expiry sweep removes it.
func (r *Registry) Disconnect(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return r.takeOffline(s)
}

// DisconnectIfCurrent is Disconnect scoped to one transport: the
// session only goes offline when sender is still the registered one.
// A stale connection tearing down after the identity resumed on a newer
// connection returns false and changes nothing.
func (r *Registry) DisconnectIfCurrent(id string, sender Sender) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.sender != sender {
		return nil, false
	}
	return r.takeOffline(s), true
}

// takeOffline transitions the session to offline and strips its jobs.
// Callers hold r.mu.
func (r *Registry) takeOffline(s *session) []string {
	held := make([]string, 0, len(s.active))
	for jobID := range s.active {
		held = append(held, jobID)
	}
	s.active = make(map[string]struct{})
	s.status = domain.WorkerStatusOffline
	s.sender = nil
	return held
}

// Deregister removes the session entirely.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(id)
}

// remove deletes the session and its arrival slot. Callers hold r.mu.
func (r *Registry) remove(id string) {
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	for i, a := range r.arrival {
		if a == id {
			r.arrival = append(r.arrival[:i], r.arrival[i+1:]...)
			break
		}
	}
}

// PickIdle returns an idle session whose capabilities satisfy the
// job's limits. Candidates are scanned in arrival order; among them the
// freshest last-seen wins, to spread load toward live workers.
func (r *Registry) PickIdle(limits domain.JobLimits) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *session
	for _, id := range r.arrival {
		s := r.sessions[id]
		if s.status != domain.WorkerStatusIdle || !s.capabilities.Satisfies(limits) {
			continue
		}
		if best == nil || s.lastSeen.After(best.lastSeen) {
			best = s
		}
	}
	if best == nil {
		return "", false
	}
	return best.id, true
}

// Assign records that the session holds the job and marks it busy once
// it reaches its declared concurrency.
func (r *Registry) Assign(id, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.status == domain.WorkerStatusOffline {
		return domain.ErrWorkerLost
	}

	s.active[jobID] = struct{}{}
	if len(s.active) >= s.concurrency() {
		s.status = domain.WorkerStatusBusy
	}
	return nil
}

// Release drops the job from the session and returns it to idle when
// below saturation.
func (r *Registry) Release(id, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}

	delete(s.active, jobID)
	if s.status == domain.WorkerStatusBusy && len(s.active) < s.concurrency() {
		s.status = domain.WorkerStatusIdle
	}
}

// Touch refreshes the session's last-seen timestamp. An offline session
// that touches again (late heartbeat after a sweep) returns to idle if
// its transport is still attached.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.lastSeen = r.now()
	if s.status == domain.WorkerStatusOffline && s.sender != nil {
		s.status = domain.WorkerStatusIdle
	}
	return true
}

// Sender returns the session's transport handle.
func (r *Registry) Sender(id string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.sender == nil {
		return nil, false
	}
	return s.sender, true
}

// Get returns a point-in-time view of one session.
func (r *Registry) Get(id string) (domain.WorkerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return domain.WorkerInfo{}, false
	}
	return s.info(), true
}

// Owner returns the account that owns the session.
func (r *Registry) Owner(id string) (domain.AccountID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return "", false
	}
	return s.owner, true
}

// Snapshot returns all sessions in arrival order.
func (r *Registry) Snapshot() []domain.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.WorkerInfo, 0, len(r.arrival))
	for _, id := range r.arrival {
		out = append(out, r.sessions[id].info())
	}
	return out
}

// Counts returns the number of sessions per status.
func (r *Registry) Counts() map[domain.WorkerStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[domain.WorkerStatus]int, 3)
	for _, s := range r.sessions {
		counts[s.status]++
	}
	return counts
}

// OfflineWorker is a session the sweep just took offline, with the jobs
// it was holding.
type OfflineWorker struct {
	ID       string
	HeldJobs []string
}

// SweepResult reports what one sweep pass changed.
type SweepResult struct {
	WentOffline []OfflineWorker
	Removed     []string
}

// Sweep marks sessions silent for longer than stale as offline and
// removes sessions silent for longer than expire.
func (r *Registry) Sweep(stale, expire time.Duration) SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var result SweepResult

	for _, id := range append([]string(nil), r.arrival...) {
		s := r.sessions[id]
		silence := now.Sub(s.lastSeen)

		if silence > expire {
			result.Removed = append(result.Removed, id)
			r.remove(id)
			continue
		}
		if silence > stale && s.status != domain.WorkerStatusOffline {
			held := r.takeOffline(s)
			result.WentOffline = append(result.WentOffline, OfflineWorker{ID: id, HeldJobs: held})
		}
	}
	return result
}
