package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/rezkam/gridx/internal/domain"
)

// Identity is the worker's stable on-disk identity. It survives
// restarts so the coordinator sees the same worker across reconnects.
type Identity struct {
	WorkerID string `json:"worker_id"`
}

// Token derives the shared secret from the account credentials.
func Token(user, password string) string {
	sum := sha256.Sum256([]byte(user + ":" + password))
	return hex.EncodeToString(sum[:])
}

// IdentityPath returns the per-user identity file location.
func IdentityPath(user string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".gridx", fmt.Sprintf("worker_%s.json", user)), nil
}

// LoadOrCreateIdentity reads the identity file at path, creating a
// fresh identity when none exists or the file is unreadable.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if jsonErr := json.Unmarshal(data, &id); jsonErr == nil {
			if domain.ValidateWorkerID(id.WorkerID) == nil {
				return &id, nil
			}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	id := &Identity{WorkerID: uuid.NewString()}
	if err := SaveIdentity(path, id); err != nil {
		return nil, err
	}
	return id, nil
}

// SaveIdentity writes the identity file, creating its directory.
func SaveIdentity(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}
