// Package workerstore persists worker rows so listings survive
// disconnects and coordinator restarts. The live registry owns status
// truth while a session is up; this store mirrors it.
package workerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rezkam/gridx/internal/domain"
	"github.com/rezkam/gridx/internal/storage"
)

// Store persists workers over the shared store.
type Store struct {
	db *storage.DB
}

// New creates a Store bound to the connection pool.
func New(db *storage.DB) *Store {
	return &Store{db: db}
}

// Upsert writes the worker row, replacing status, capabilities and
// last-seen on conflict. Owner never changes for an existing id.
func (s *Store) Upsert(ctx context.Context, w domain.WorkerInfo) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	query := s.db.Rebind(`
		INSERT INTO workers (id, owner, status, capabilities, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			capabilities = excluded.capabilities,
			last_seen = excluded.last_seen`)
	_, err = s.db.ExecContext(ctx, query,
		w.ID, w.Owner.String(), string(w.Status), string(caps), w.LastSeen.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert worker: %w", err)
	}
	return nil
}

// SetStatus updates a worker's status and last-seen.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.WorkerStatus, lastSeen time.Time) error {
	query := s.db.Rebind("UPDATE workers SET status = ?, last_seen = ? WHERE id = ?")
	res, err := s.db.ExecContext(ctx, query, string(status), lastSeen.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set worker status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read status result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("worker %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Get returns the persisted worker or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.WorkerInfo, error) {
	query := s.db.Rebind(
		"SELECT id, owner, status, capabilities, last_seen FROM workers WHERE id = ?")
	w, err := scanWorker(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return w, nil
}

// List returns all persisted workers, most recently seen first.
func (s *Store) List(ctx context.Context) ([]domain.WorkerInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, owner, status, capabilities, last_seen FROM workers ORDER BY last_seen DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []domain.WorkerInfo
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(row scanner) (*domain.WorkerInfo, error) {
	var (
		w        domain.WorkerInfo
		owner    string
		status   string
		caps     string
		lastSeen int64
	)
	if err := row.Scan(&w.ID, &owner, &status, &caps, &lastSeen); err != nil {
		return nil, err
	}

	w.Owner = domain.AccountID(owner)
	w.Status = domain.WorkerStatus(status)
	w.LastSeen = time.UnixMilli(lastSeen).UTC()
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}
	return &w, nil
}
