package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rezkam/gridx/internal/domain"
)

// VerifyAuth authenticates an account against its shared secret. First
// contact with an unknown account installs a salted hash of the presented
// secret; every later contact must present a secret that hashes to the
// same value. A mismatch is a hard reject.
func (l *Ledger) VerifyAuth(ctx context.Context, id domain.AccountID, secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: empty secret", domain.ErrUnauthenticated)
	}

	if err := l.EnsureAccount(ctx, id); err != nil {
		return err
	}

	salt, hash, err := l.readAuth(ctx, id)
	if err != nil {
		return err
	}

	if hash == "" {
		installed, err := l.installAuth(ctx, id, secret)
		if err != nil {
			return err
		}
		if installed {
			return nil
		}
		// Lost the install race; re-read and fall through to compare.
		salt, hash, err = l.readAuth(ctx, id)
		if err != nil {
			return err
		}
	}

	presented := hashSecret(salt, secret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(hash)) != 1 {
		return fmt.Errorf("account %s: %w", id, domain.ErrUnauthenticated)
	}
	return nil
}

func (l *Ledger) readAuth(ctx context.Context, id domain.AccountID) (salt, hash string, err error) {
	var s, h sql.NullString
	query := l.db.Rebind("SELECT auth_salt, auth_hash FROM accounts WHERE id = ?")
	err = l.db.QueryRowContext(ctx, query, id.String()).Scan(&s, &h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to read authenticator: %w", err)
	}
	return s.String, h.String, nil
}

// installAuth sets the authenticator if none exists yet. The guard on
// auth_hash IS NULL makes concurrent first contacts race safely; the
// return value reports whether this call won.
func (l *Ledger) installAuth(ctx context.Context, id domain.AccountID, secret string) (bool, error) {
	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return false, fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)

	query := l.db.Rebind(
		"UPDATE accounts SET auth_salt = ?, auth_hash = ? WHERE id = ? AND auth_hash IS NULL")
	res, err := l.db.ExecContext(ctx, query, salt, hashSecret(salt, secret), id.String())
	if err != nil {
		return false, fmt.Errorf("failed to install authenticator: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read install result: %w", err)
	}
	return affected > 0, nil
}

func hashSecret(salt, secret string) string {
	sum := sha256.Sum256([]byte(salt + ":" + secret))
	return hex.EncodeToString(sum[:])
}
